package phone

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/audio/audiotest"
	"github.com/arzzra/phonify/pkg/call"
	"github.com/arzzra/phonify/pkg/callerr"
	"github.com/arzzra/phonify/pkg/duration"
	"github.com/arzzra/phonify/pkg/interaction"
	"github.com/arzzra/phonify/pkg/notify"
	"github.com/arzzra/phonify/pkg/registration"
	"github.com/arzzra/phonify/pkg/status"
	"github.com/arzzra/phonify/pkg/transport"
	"github.com/arzzra/phonify/pkg/transport/mocktransport"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type PhoneSuite struct {
	suite.Suite
	ctx     context.Context
	tr      *mocktransport.Transport
	clock   *duration.ManualClock
	outputs atomic.Int32
	phone   *Phone
}

func TestPhoneSuite(t *testing.T) {
	suite.Run(t, new(PhoneSuite))
}

func (s *PhoneSuite) SetupTest() {
	s.ctx = context.Background()
	s.tr = mocktransport.NewAuto()
	s.clock = duration.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s.outputs.Store(0)

	p, err := New(Options{
		Transport: s.tr,
		Output: func() (audio.Output, error) {
			s.outputs.Add(1)
			return audiotest.New(false), nil
		},
		RequireGesture: true,
		Domain:         "pbx.example.com",
		Clock:          s.clock,
		NoticeBuffer:   32,
	})
	s.Require().NoError(err)
	s.phone = p
}

func (s *PhoneSuite) TearDownTest() {
	s.NoError(s.phone.Close())
}

func (s *PhoneSuite) waitStatus(cond func(status.Snapshot) bool) status.Snapshot {
	s.Require().Eventually(func() bool { return cond(s.phone.Status()) }, waitFor, tick)
	return s.phone.Status()
}

func (s *PhoneSuite) initialize() {
	s.Require().NoError(s.phone.Initialize(s.ctx))
	s.waitStatus(func(st status.Snapshot) bool { return st.Registered() })
}

func (s *PhoneSuite) nextNotice() notify.Notice {
	select {
	case n := <-s.phone.Notices():
		return n
	case <-time.After(waitFor):
		s.FailNow("no notice")
		return notify.Notice{}
	}
}

func (s *PhoneSuite) TestInitialStatus() {
	st := s.phone.Status()
	s.Equal(registration.StateUnregistered, st.Registration)
	s.Equal(call.StateIdle, st.Call)
	s.False(st.Initialized)
	s.Equal("00:00", st.DurationText)
}

func (s *PhoneSuite) TestInitializeRegisters() {
	s.initialize()
	st := s.waitStatus(func(st status.Snapshot) bool { return st.Initialized })
	s.True(st.Registered())
	s.True(s.phone.Initialized())
	s.Equal(1, s.tr.Count(mocktransport.OpRegister))

	// повторная инициализация не регистрирует заново
	s.Require().NoError(s.phone.Initialize(s.ctx))
	s.Equal(1, s.tr.Count(mocktransport.OpRegister))
}

func (s *PhoneSuite) TestInitializeRegistrationFailure() {
	s.tr.SetError(mocktransport.OpRegister, &transport.StatusError{Code: 403, Reason: "Forbidden"})

	err := s.phone.Initialize(s.ctx)
	s.Require().Error(err)
	s.True(errors.Is(err, callerr.ErrTransportRejected))
	s.False(s.phone.Initialized())
	s.waitStatus(func(st status.Snapshot) bool { return st.Registration == registration.StateFailed })
}

func (s *PhoneSuite) TestCallBeforeRegistration() {
	err := s.phone.StartCall(s.ctx, "2002")
	s.True(errors.Is(err, callerr.ErrNotRegistered))
	s.Equal(notify.MsgNotRegistered, s.nextNotice().Message)
	s.Zero(s.tr.Count(mocktransport.OpInvite))
}

func (s *PhoneSuite) TestOutboundCall() {
	s.initialize()

	s.Require().NoError(s.phone.StartCall(s.ctx, "2002"))
	st := s.waitStatus(func(st status.Snapshot) bool { return st.Active })
	s.Equal(call.Outbound, st.Direction)
	s.Equal("2002", st.Caller.Number)
	s.Equal("sip:2002@pbx.example.com", st.Caller.URI)
	s.False(st.Ringing)

	invites := s.tr.CallsOf(mocktransport.OpInvite)
	s.Require().Len(invites, 1)
	s.Equal("2002", invites[0].Target)

	s.Require().NoError(s.phone.EndCall(s.ctx))
	s.waitStatus(func(st status.Snapshot) bool { return st.Call == call.StateTerminated })
	s.Require().Eventually(func() bool { return s.tr.Count(mocktransport.OpBye) == 1 }, waitFor, tick)
	s.NotEmpty(s.phone.History())
}

func (s *PhoneSuite) TestDurationTicks() {
	s.initialize()
	s.Require().NoError(s.phone.StartCall(s.ctx, "2002"))
	s.waitStatus(func(st status.Snapshot) bool { return st.Active })

	s.Require().Eventually(func() bool { return s.clock.Tickers() == 1 }, waitFor, tick)
	s.clock.Advance(75 * time.Second)

	st := s.waitStatus(func(st status.Snapshot) bool { return st.Duration == 75 })
	s.Equal("01:15", st.DurationText)

	s.Require().NoError(s.phone.EndCall(s.ctx))
	st = s.waitStatus(func(st status.Snapshot) bool { return !st.Active })
	s.Zero(st.Duration)
	s.Equal("00:00", st.DurationText)
}

func (s *PhoneSuite) TestLateTickFromPreviousCallIgnored() {
	s.initialize()
	s.Require().NoError(s.phone.StartCall(s.ctx, "2002"))
	s.waitStatus(func(st status.Snapshot) bool { return st.Active })
	previous := s.phone.tracker.Generation()

	s.Require().NoError(s.phone.EndCall(s.ctx))
	s.Require().NoError(s.phone.StartCall(s.ctx, "2003"))
	s.waitStatus(func(st status.Snapshot) bool { return st.Active && st.Caller.Number == "2003" })
	s.Require().True(s.phone.tracker.Running())

	// тик первого звонка доходит до цикла уже во время второго
	s.phone.postTick(previous, 75)
	s.Require().NoError(s.phone.loop.Do(s.ctx, func() {}))
	s.Zero(s.phone.Status().Duration)

	s.phone.postTick(s.phone.tracker.Generation(), 5)
	s.Require().NoError(s.phone.loop.Do(s.ctx, func() {}))
	s.Equal(5, s.phone.Status().Duration)
}

func (s *PhoneSuite) TestIncomingCallAnswerAndMute() {
	s.initialize()

	s.tr.Emit(transport.IncomingInvite{
		Session: "in-1",
		Remote:  transport.ParseIdentity("Alice", "sip:2001@pbx.example.com"),
	})
	st := s.waitStatus(func(st status.Snapshot) bool { return st.Call == call.StateIncoming })
	s.True(st.Ringing)
	s.Equal("Alice", st.Caller.Name)
	s.Equal("2001", st.Caller.Number)

	n := s.nextNotice()
	s.Equal("Incoming call from Alice", n.Message)
	s.Equal(notify.SeverityInfo, n.Severity)

	s.Require().NoError(s.phone.AnswerCall(s.ctx))
	s.waitStatus(func(st status.Snapshot) bool { return st.Active })

	s.Require().NoError(s.phone.ToggleMute(s.ctx))
	s.waitStatus(func(st status.Snapshot) bool { return st.Muted })
	s.Require().NoError(s.phone.Unmute(s.ctx))
	s.waitStatus(func(st status.Snapshot) bool { return !st.Muted })

	mutes := s.tr.CallsOf(mocktransport.OpMute)
	s.Require().Len(mutes, 2)
	s.True(mutes[0].Muted)
	s.False(mutes[1].Muted)
}

func (s *PhoneSuite) TestRejectIncoming() {
	s.initialize()
	s.tr.Emit(transport.IncomingInvite{Session: "in-2", Remote: transport.ParseIdentity("", "sip:2003@pbx.example.com")})
	st := s.waitStatus(func(st status.Snapshot) bool { return st.Call == call.StateIncoming })
	s.Equal("Unknown Caller", st.Caller.Name)

	s.Require().NoError(s.phone.RejectCall(s.ctx))
	s.waitStatus(func(st status.Snapshot) bool { return st.Call == call.StateTerminated })
	s.Require().Eventually(func() bool { return s.tr.Count(mocktransport.OpReject) == 1 }, waitFor, tick)
}

func (s *PhoneSuite) TestGesturePrimesAudio() {
	s.Require().NoError(s.phone.Initialize(s.ctx))
	created := s.outputs.Load()

	s.phone.Interact(interaction.Click)
	s.Equal(created+1, s.outputs.Load())

	// приемник создается один раз
	s.phone.Interact(interaction.KeyPress)
	s.Equal(created+1, s.outputs.Load())
}

func (s *PhoneSuite) TestCleanup() {
	s.initialize()
	s.Require().NoError(s.phone.StartCall(s.ctx, "2002"))
	s.waitStatus(func(st status.Snapshot) bool { return st.Active })

	s.Require().NoError(s.phone.Cleanup(s.ctx))
	st := s.waitStatus(func(st status.Snapshot) bool { return st.Call == call.StateIdle })
	s.Equal(registration.StateUnregistered, st.Registration)
	s.False(st.Initialized)
	s.False(s.phone.Initialized())
	s.Require().Eventually(func() bool { return s.tr.Count(mocktransport.OpUnregister) == 1 }, waitFor, tick)

	// после очистки телефон снова инициализируется
	s.Require().NoError(s.phone.Initialize(s.ctx))
	s.True(s.phone.Initialized())
	s.Equal(2, s.tr.Count(mocktransport.OpRegister))
}

func (s *PhoneSuite) TestSubscribe() {
	ch, cancel := s.phone.Subscribe()
	defer cancel()

	first := <-ch
	s.Equal(call.StateIdle, first.Call)

	s.initialize()
	s.Require().Eventually(func() bool {
		select {
		case st := <-ch:
			return st.Registered()
		default:
			return false
		}
	}, waitFor, tick)
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestClose_EndsNotices(t *testing.T) {
	p, err := New(Options{Transport: mocktransport.NewAuto()})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, ok := <-p.Notices()
	assert.False(t, ok)
	assert.Error(t, p.Initialize(context.Background()))
}
