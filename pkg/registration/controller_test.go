package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/phonify/pkg/callerr"
	"github.com/arzzra/phonify/pkg/eventloop"
	"github.com/arzzra/phonify/pkg/notify"
	"github.com/arzzra/phonify/pkg/transport"
	"github.com/arzzra/phonify/pkg/transport/mocktransport"
)

type ControllerSuite struct {
	suite.Suite
	loop    *eventloop.Loop
	cancel  context.CancelFunc
	tr      *mocktransport.Transport
	ctrl    *Controller
	notices *notify.Channel

	mu      sync.Mutex
	changes []Status
}

func (s *ControllerSuite) SetupTest() {
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.loop = eventloop.New()
	s.loop.Start(ctx)
	s.tr = mocktransport.New()
	s.notices = notify.NewChannel(8)
	s.changes = nil
	s.ctrl = New(s.loop, s.tr,
		WithNotifier(s.notices),
		WithConfig(Config{Timeout: time.Second, UnregisterTimeout: time.Second}))
	s.ctrl.OnChange(func(st Status) {
		s.mu.Lock()
		s.changes = append(s.changes, st)
		s.mu.Unlock()
	})
}

func (s *ControllerSuite) TearDownTest() {
	s.cancel()
	s.loop.Close()
	_ = s.tr.Close()
}

func (s *ControllerSuite) apply(ev transport.RegistrationEvent) {
	s.Require().NoError(s.loop.Do(context.Background(), func() { s.ctrl.Apply(ev) }))
}

func (s *ControllerSuite) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, c := range s.changes {
		out = append(out, c.State)
	}
	return out
}

func (s *ControllerSuite) TestRegisterSuccess() {
	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.Equal(StateRegistering, s.ctrl.Status().State)

	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationRegistered})
	s.True(s.ctrl.Registered())
	s.Equal([]State{StateRegistering, StateRegistered}, s.states())
	s.Equal(1, s.tr.Count(mocktransport.OpRegister))
}

func (s *ControllerSuite) TestRegisterIsIdempotent() {
	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.Equal(1, s.tr.Count(mocktransport.OpRegister), "повторный Register в Registering не вызывает транспорт")

	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationRegistered})
	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.Equal(1, s.tr.Count(mocktransport.OpRegister), "повторный Register в Registered не вызывает транспорт")
}

func (s *ControllerSuite) TestSynchronousRejection() {
	s.tr.SetError(mocktransport.OpRegister, &transport.StatusError{Code: 403, Reason: "Forbidden"})

	err := s.ctrl.Register(context.Background())
	s.ErrorIs(err, callerr.ErrTransportRejected)

	st := s.ctrl.Status()
	s.Equal(StateFailed, st.State)
	s.Equal(403, st.Code)
	s.Equal("Forbidden", st.Reason)

	n := <-s.notices.C()
	s.Equal(notify.SeverityError, n.Severity)
}

func (s *ControllerSuite) TestRejectedEventAndNoAutoRetry() {
	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationRejected, Reason: "Unauthorized", Code: 401})

	s.Equal(StateFailed, s.ctrl.Status().State)
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.tr.Count(mocktransport.OpRegister), "после отказа повторов нет")

	// явный повтор из Failed разрешен
	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.Equal(2, s.tr.Count(mocktransport.OpRegister))
	s.Equal(StateRegistering, s.ctrl.Status().State)
	s.Empty(s.ctrl.Status().Reason)
}

func (s *ControllerSuite) TestLateSuccessAfterFailureIgnored() {
	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationRejected, Reason: "Request Timeout", Code: 408})
	s.Require().Equal(StateFailed, s.ctrl.Status().State)

	// ответ регистратора на уже проваленную попытку
	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationRegistered})
	st := s.ctrl.Status()
	s.Equal(StateFailed, st.State)
	s.Equal(408, st.Code)
	s.False(s.ctrl.Registered())

	// после явного повтора успех принимается
	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationRegistered})
	s.Equal(StateRegistered, s.ctrl.Status().State)
}

func (s *ControllerSuite) TestUnregisterIsImmediate() {
	release := s.tr.Hold(mocktransport.OpUnregister)
	defer release()

	s.Require().NoError(s.ctrl.Register(context.Background()))
	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationRegistered})

	s.Require().NoError(s.ctrl.Unregister(context.Background()))
	s.Equal(StateUnregistered, s.ctrl.Status().State, "локальное состояние меняется до ответа сервера")

	select {
	case <-s.tr.Called():
	case <-time.After(time.Second):
	}
	s.Eventually(func() bool { return s.tr.Count(mocktransport.OpUnregister) == 1 }, time.Second, time.Millisecond)
}

func (s *ControllerSuite) TestUnregisterWhenIdleSkipsTransport() {
	s.Require().NoError(s.ctrl.Unregister(context.Background()))
	time.Sleep(10 * time.Millisecond)
	s.Zero(s.tr.Count(mocktransport.OpUnregister))
	s.Empty(s.states())
}

func (s *ControllerSuite) TestLateRejectionAfterResetIgnored() {
	release := s.tr.Hold(mocktransport.OpRegister)
	s.tr.SetError(mocktransport.OpRegister, errors.New("timeout"))

	done := make(chan error, 1)
	go func() { done <- s.ctrl.Register(context.Background()) }()
	<-s.tr.Called()

	s.Require().NoError(s.loop.Do(context.Background(), func() { s.ctrl.Reset() }))
	release()
	<-done

	s.Equal(StateUnregistered, s.ctrl.Status().State, "устаревший ответ не меняет состояние")
}

func (s *ControllerSuite) TestTransportRegisteringEventStartsAttempt() {
	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationRegistering})
	s.Equal(StateRegistering, s.ctrl.Status().State)
	s.apply(transport.RegistrationEvent{Phase: transport.RegistrationUnregistered})
	s.Equal(StateUnregistered, s.ctrl.Status().State)
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func TestController_TimeoutFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := eventloop.New()
	loop.Start(ctx)
	defer loop.Close()

	tr := mocktransport.New()
	ctrl := New(loop, tr, WithConfig(Config{Timeout: 20 * time.Millisecond, UnregisterTimeout: time.Second}))

	// транспорт принял запрос, но событие так и не пришло
	require.NoError(t, ctrl.Register(context.Background()))
	require.Eventually(t, func() bool { return ctrl.Status().State == StateFailed }, time.Second, time.Millisecond)
	assert.Equal(t, 408, ctrl.Status().Code)
}
