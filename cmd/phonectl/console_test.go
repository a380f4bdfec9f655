package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phonify/pkg/call"
	"github.com/arzzra/phonify/pkg/phone"
	"github.com/arzzra/phonify/pkg/registration"
	"github.com/arzzra/phonify/pkg/status"
	"github.com/arzzra/phonify/pkg/transport/mocktransport"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "", want: command{}},
		{line: "   ", want: command{}},
		{line: "call 2002", want: command{name: "call", arg: "2002"}},
		{line: "DIAL sip:bob@example.com", want: command{name: "call", arg: "sip:bob@example.com"}},
		{line: "answer", want: command{name: "answer"}},
		{line: "bye", want: command{name: "hangup"}},
		{line: "exit", want: command{name: "quit"}},
		{line: "call", wantErr: true},
		{line: "call 1 2", wantErr: true},
		{line: "mute now", wantErr: true},
		{line: "transfer 2003", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsole_RunsCommandsUntilQuit(t *testing.T) {
	tr := mocktransport.NewAuto()
	p, err := phone.New(phone.Options{Transport: tr, Domain: "pbx.example.com"})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))
	require.Eventually(t, func() bool { return p.Status().Registered() }, time.Second, 5*time.Millisecond)

	var out bytes.Buffer
	in := strings.NewReader("call 2002\nfrobnicate\nstatus\nquit\nanswer\n")
	err = newConsole(p, &out).run(ctx, in)

	assert.ErrorIs(t, err, errQuit)
	assert.Equal(t, 1, tr.Count(mocktransport.OpInvite))
	assert.Zero(t, tr.Count(mocktransport.OpAccept))
	assert.Contains(t, out.String(), `unknown command "frobnicate"`)
	assert.Contains(t, out.String(), "registration=registered")
}

func TestConsole_StopsOnContextCancel(t *testing.T) {
	p, err := phone.New(phone.Options{Transport: mocktransport.New()})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newConsole(p, &bytes.Buffer{}).run(ctx, strings.NewReader("")) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("console did not stop")
	}
}

func TestFormatStatus(t *testing.T) {
	idle := status.Snapshot{Registration: registration.StateFailed, RegistrationReason: "Forbidden", Call: call.StateIdle}
	assert.Equal(t, `registration=failed call=idle reason="Forbidden"`, formatStatus(idle))

	active := status.Snapshot{
		Registration: registration.StateRegistered,
		Call:         call.StateActive,
		Active:       true,
		Caller:       call.Caller{Name: "Alice", Number: "2001"},
		DurationText: "01:05",
		Muted:        true,
	}
	assert.Equal(t, `registration=registered call=active remote="Alice" <2001> duration=01:05 muted=true`, formatStatus(active))
}
