package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/audio/audiotest"
	"github.com/arzzra/phonify/pkg/callerr"
	"github.com/arzzra/phonify/pkg/interaction"
	"github.com/arzzra/phonify/pkg/logger"
)

func newManager(out *audiotest.Output, bus *interaction.Bus, created *int) *SinkManager {
	return NewSinkManager(func() (audio.Output, error) {
		*created++
		return out, nil
	}, bus, logger.NewNop())
}

func pcmuPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq},
		Payload: audio.PCMU.Silence(160),
	}
}

func TestSinkManager_LazySingleton(t *testing.T) {
	created := 0
	m := newManager(audiotest.New(false), interaction.NewBus(), &created)
	assert.Equal(t, 0, created, "приемник создается лениво")

	s1, err := m.EnsureSink()
	require.NoError(t, err)
	s2, err := m.EnsureSink()
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, created)
}

func TestSinkManager_SetupFailure(t *testing.T) {
	m := NewSinkManager(func() (audio.Output, error) {
		return nil, errors.New("no device")
	}, nil, nil)

	_, err := m.EnsureSink()
	assert.ErrorIs(t, err, callerr.ErrResourceSetupFailure)
	assert.Error(t, m.Attach(NewChanTrack("t", 1)))
}

func TestSinkManager_AttachPlaysDecodedAudio(t *testing.T) {
	created := 0
	out := audiotest.New(false)
	m := newManager(out, interaction.NewBus(), &created)

	track := NewChanTrack("remote", 8)
	require.NoError(t, m.Attach(track))
	require.NoError(t, track.Push(pcmuPacket(1)))

	require.Eventually(t, func() bool { return len(out.Written()) == 320 }, time.Second, time.Millisecond)
	sink, _ := m.EnsureSink()
	assert.False(t, sink.Muted())
	assert.Equal(t, track, sink.Track())
}

func TestSinkManager_DetachKeepsSink(t *testing.T) {
	created := 0
	out := audiotest.New(false)
	m := newManager(out, interaction.NewBus(), &created)

	first := NewChanTrack("a", 8)
	require.NoError(t, m.Attach(first))
	m.Detach()

	sink, err := m.EnsureSink()
	require.NoError(t, err)
	assert.Nil(t, sink.Track())
	assert.True(t, sink.Muted())
	assert.False(t, out.Closed(), "приемник не уничтожается при отключении трека")

	// пакеты старого трека больше не воспроизводятся
	require.NoError(t, first.Push(pcmuPacket(1)))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, out.Written())

	second := NewChanTrack("b", 8)
	require.NoError(t, m.Attach(second))
	assert.Equal(t, 1, created, "между звонками используется тот же приемник")
	assert.Equal(t, second, sink.Track())
	first.Close()
	second.Close()
}

func TestSinkManager_AutoplayBlockedRetriesOnce(t *testing.T) {
	created := 0
	bus := interaction.NewBus()
	out := audiotest.New(true)
	m := newManager(out, bus, &created)

	track := NewChanTrack("remote", 8)
	defer track.Close()
	require.NoError(t, m.Attach(track), "отказ автозапуска не должен приводить к ошибке")

	sink, _ := m.EnsureSink()
	assert.True(t, sink.Muted())
	assert.Equal(t, 1, bus.Len())

	out.Unblock()
	bus.Dispatch(interaction.Event{Kind: interaction.Click})
	assert.False(t, sink.Muted())
	assert.Equal(t, 0, bus.Len())
}

func TestSinkManager_DetachCancelsPendingRetry(t *testing.T) {
	created := 0
	bus := interaction.NewBus()
	out := audiotest.New(true)
	m := newManager(out, bus, &created)

	require.NoError(t, m.Attach(NewChanTrack("remote", 1)))
	m.Detach()
	assert.Equal(t, 0, bus.Len())

	out.Unblock()
	bus.Dispatch(interaction.Event{Kind: interaction.KeyPress})
	assert.Equal(t, 0, out.Plays())
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, StaticPermission{Granted: true}.RequestMicrophone(ctx))
	assert.ErrorIs(t, StaticPermission{}.RequestMicrophone(ctx), callerr.ErrPermissionDenied)

	dir := t.TempDir()
	dev := filepath.Join(dir, "capture")
	require.NoError(t, os.WriteFile(dev, nil, 0o600))
	assert.NoError(t, DevicePermission{Path: dev}.RequestMicrophone(ctx))

	err := DevicePermission{Path: filepath.Join(dir, "missing")}.RequestMicrophone(ctx)
	assert.ErrorIs(t, err, callerr.ErrResourceSetupFailure)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, StaticPermission{Granted: true}.RequestMicrophone(cancelled), context.Canceled)
}
