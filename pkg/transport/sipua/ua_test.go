package sipua

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phonify/pkg/transport"
)

func testConfig() Config {
	return Config{
		Username:    "1001",
		Password:    "secret",
		Domain:      "pbx.example.com",
		DisplayName: "Front Desk",
		ListenAddr:  "127.0.0.1:5090",
		UserAgent:   "Phonify SIP Client 1.0",
	}
}

func TestNew_RequiresAccount(t *testing.T) {
	cfg := testConfig()
	cfg.Username = ""
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.ListenAddr = "no-port"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	u, err := New(testConfig())
	require.NoError(t, err)
	defer u.Close()

	assert.Equal(t, "pbx.example.com:5060", u.cfg.Server)
	assert.Equal(t, "udp", u.cfg.Protocol)
	assert.Len(t, u.cfg.Codecs, 2)
	assert.Equal(t, "127.0.0.1", u.host)
	assert.Equal(t, "1001", u.contact.Address.User)
	assert.Equal(t, 5090, u.contact.Address.Port)
	assert.Equal(t, "pbx.example.com", u.proxy.Host)
	assert.Equal(t, 5060, u.proxy.Port)
}

func TestUA_UnknownSessions(t *testing.T) {
	u, err := New(testConfig())
	require.NoError(t, err)
	defer u.Close()

	ctx := context.Background()
	assert.Equal(t, transport.SessionUnknown, u.SessionState("nope"))
	assert.ErrorIs(t, u.Mute(ctx, "nope", true), ErrUnknownSession)
	assert.ErrorIs(t, u.Accept(ctx, "nope"), ErrUnknownSession)
	assert.NoError(t, u.Bye(ctx, "nope"))
	assert.NoError(t, u.Reject(ctx, "nope"))
}

func TestUA_CloseEndsEvents(t *testing.T) {
	u, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, u.Close())
	_, ok := <-u.Events()
	assert.False(t, ok)

	assert.ErrorIs(t, u.Invite(context.Background(), "s1", "2002"), ErrClosed)
	// повторный Close безопасен
	assert.NoError(t, u.Close())
}

func TestTargetURI(t *testing.T) {
	tests := []struct {
		target string
		user   string
		host   string
	}{
		{"2002", "2002", "pbx.example.com"},
		{" 2002 ", "2002", "pbx.example.com"},
		{"alice@other.example.com", "alice", "other.example.com"},
		{"sip:bob@pbx.example.com", "bob", "pbx.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			uri, err := targetURI(tt.target, "pbx.example.com")
			require.NoError(t, err)
			assert.Equal(t, tt.user, uri.User)
			assert.Equal(t, tt.host, uri.Host)
		})
	}

	_, err := targetURI("sip:pbx.example.com", "pbx.example.com")
	assert.Error(t, err)
}

func TestRouteURI(t *testing.T) {
	assert.Equal(t, "sip:pbx.example.com:5060;lr", routeURI("pbx.example.com:5060", "udp"))
	assert.Equal(t, "sip:pbx.example.com:5061;lr;transport=tls", routeURI("pbx.example.com:5061", "tls"))
}

func TestAdvertisedHost(t *testing.T) {
	assert.Equal(t, "203.0.113.5", advertisedHost("0.0.0.0", "203.0.113.5"))
	assert.Equal(t, "10.0.0.2", advertisedHost("10.0.0.2", ""))
	assert.Equal(t, "phone.local", advertisedHost("phone.local", ""))
	assert.NotEmpty(t, advertisedHost("0.0.0.0", ""))
}
