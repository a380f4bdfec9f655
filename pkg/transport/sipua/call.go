package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/transport"
)

const hangupTimeout = 5 * time.Second

// session один звонок: SIP диалог и его RTP поток
type session struct {
	id      transport.SessionID
	inbound bool
	callID  string

	// state защищен UA.mu
	state transport.SessionState

	out          *sipgo.DialogClientSession
	cancelInvite context.CancelFunc

	in    *sipgo.DialogServerSession
	offer *mediaOffer

	answerMu sync.Mutex
	answered bool

	stream *stream
	done   chan struct{}
}

func newSession(id transport.SessionID, inbound bool) *session {
	return &session{id: id, inbound: inbound, state: transport.SessionConnecting, done: make(chan struct{})}
}

func (s *session) isAnswered() bool {
	s.answerMu.Lock()
	defer s.answerMu.Unlock()
	return s.answered
}

func (s *session) markAnswered() bool {
	s.answerMu.Lock()
	defer s.answerMu.Unlock()
	if s.answered {
		return false
	}
	s.answered = true
	return true
}

// Invite отправляет INVITE с SDP предложением и возвращается, не дожидаясь ответа.
// Ход звонка сообщается событиями SessionEvent.
func (u *UA) Invite(ctx context.Context, id transport.SessionID, target string) error {
	if u.ctx.Err() != nil {
		return ErrClosed
	}
	recipient, err := targetURI(target, u.cfg.Domain)
	if err != nil {
		return err
	}

	st, port, err := u.openMedia(id)
	if err != nil {
		return err
	}
	body, err := buildSDP(u.host, port, u.cfg.Codecs, u.cfg.UserAgent)
	if err != nil {
		st.Close()
		return err
	}

	s := newSession(id, false)
	s.stream = st
	u.track(s)

	hdrs := []sip.Header{
		u.fromHeader(),
		&sip.RouteHeader{Address: u.proxy},
		sip.NewHeader("Content-Type", "application/sdp"),
		u.userAgentHeader(),
	}
	dlg, err := u.dialogCli.Invite(ctx, recipient, body, hdrs...)
	if err != nil {
		u.finish(s, 0, err.Error())
		return fmt.Errorf("invite %s: %w", recipient.String(), err)
	}
	s.out = dlg
	u.bindCallID(s, dlg.InviteRequest.CallID().Value())

	wctx, cancel := context.WithCancel(u.ctx)
	s.cancelInvite = cancel
	u.log.Info(ctx, "invite sent",
		logger.String("session", string(id)),
		logger.String("to", recipient.String()))

	go u.waitAnswer(wctx, s)
	return nil
}

// waitAnswer ждет финальный ответ на INVITE. Отмена ctx отправляет CANCEL.
func (u *UA) waitAnswer(ctx context.Context, s *session) {
	var final *sip.Response
	err := s.out.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: u.cfg.authUser(),
		Password: u.cfg.Password,
		OnResponse: func(res *sip.Response) error {
			switch {
			case res.StatusCode == 180 || res.StatusCode == 183:
				if u.setState(s, transport.SessionEstablishing) {
					u.emit(transport.SessionEvent{Session: s.id, State: transport.SessionEstablishing})
				}
			case res.StatusCode >= 300:
				final = res
			}
			return nil
		},
	})
	if err != nil {
		code, reason := 0, err.Error()
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			code, reason = 487, "Request Terminated"
		case final != nil:
			code, reason = int(final.StatusCode), final.Reason
		}
		u.finish(s, code, reason)
		return
	}
	s.markAnswered()

	if err := s.out.Ack(ctx); err != nil {
		u.log.Warn(ctx, "ack failed", logger.String("session", string(s.id)), logger.Err(err))
	}

	offer, err := parseSDP(s.out.InviteResponse.Body())
	if err == nil {
		if codec, ok := negotiate(u.cfg.Codecs, offer.Codecs); ok {
			s.stream.Start(offer.Addr, codec, u.voice())
		} else {
			err = errors.New("no common codec")
		}
	}
	if err != nil {
		u.log.Warn(ctx, "remote answer unusable", logger.String("session", string(s.id)), logger.Err(err))
		byeCtx, cancel := context.WithTimeout(u.ctx, hangupTimeout)
		_ = s.out.Bye(byeCtx)
		cancel()
		u.finish(s, 488, "Not Acceptable Here")
		return
	}

	u.established(s)
}

// established сообщает о соединении и отдает удаленный трек
func (u *UA) established(s *session) {
	if !u.setState(s, transport.SessionEstablished) {
		return
	}
	u.emit(transport.SessionEvent{Session: s.id, State: transport.SessionEstablished})
	u.emit(transport.ConnectionStateEvent{Session: s.id, State: "connected"})
	u.emit(transport.TrackEvent{Session: s.id, Track: s.stream.track})
}

// Accept отвечает 200 OK с SDP ответом
func (u *UA) Accept(ctx context.Context, id transport.SessionID) error {
	s := u.lookup(id)
	if s == nil || !s.inbound {
		return ErrUnknownSession
	}

	codec, ok := negotiate(u.cfg.Codecs, s.offer.Codecs)
	if !ok {
		_ = s.in.Respond(488, "Not Acceptable Here", nil)
		u.finish(s, 488, "Not Acceptable Here")
		return &transport.StatusError{Code: 488, Reason: "no common codec"}
	}

	st, port, err := u.openMedia(id)
	if err != nil {
		return err
	}
	body, err := buildSDP(u.host, port, []audio.Codec{codec}, u.cfg.UserAgent)
	if err != nil {
		st.Close()
		return err
	}

	if !s.markAnswered() {
		st.Close()
		return nil
	}
	u.mu.Lock()
	if s.state == transport.SessionTerminated {
		u.mu.Unlock()
		st.Close()
		return ErrUnknownSession
	}
	s.stream = st
	u.mu.Unlock()

	if err := s.in.RespondSDP(body); err != nil {
		u.finish(s, 0, err.Error())
		return fmt.Errorf("answer: %w", err)
	}
	st.Start(s.offer.Addr, codec, u.voice())
	u.log.Info(ctx, "call answered", logger.String("session", string(id)), logger.String("codec", codec.Name))
	u.established(s)
	return nil
}

// Reject отклоняет входящий звонок ответом 480
func (u *UA) Reject(ctx context.Context, id transport.SessionID) error {
	s := u.lookup(id)
	if s == nil {
		return nil
	}
	if !s.inbound || s.isAnswered() {
		return u.Bye(ctx, id)
	}
	u.setState(s, transport.SessionTerminating)
	err := s.in.Respond(480, "Temporarily Unavailable", nil)
	u.finish(s, 480, "Temporarily Unavailable")
	return err
}

// Bye завершает звонок: CANCEL до ответа, BYE после
func (u *UA) Bye(ctx context.Context, id transport.SessionID) error {
	s := u.lookup(id)
	if s == nil {
		return nil
	}
	if s.inbound && !s.isAnswered() {
		return u.Reject(ctx, id)
	}

	if u.setState(s, transport.SessionTerminating) {
		u.emit(transport.SessionEvent{Session: s.id, State: transport.SessionTerminating})
	}

	if !s.inbound && !s.isAnswered() {
		if s.cancelInvite != nil {
			s.cancelInvite()
		}
		return nil
	}

	var err error
	if s.inbound {
		err = s.in.Bye(ctx)
	} else {
		err = s.out.Bye(ctx)
	}
	u.finish(s, 0, "")
	return err
}

// Mute заменяет исходящий голос тишиной
func (u *UA) Mute(_ context.Context, id transport.SessionID, muted bool) error {
	u.mu.Lock()
	s := u.sessions[id]
	var st *stream
	if s != nil {
		st = s.stream
	}
	u.mu.Unlock()
	if st == nil {
		return ErrUnknownSession
	}
	st.SetMuted(muted)
	return nil
}

// onInvite входящий INVITE. Обработчик живет до конца звонка.
func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	dlg, err := u.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	offer, err := parseSDP(req.Body())
	if err != nil {
		u.log.Warn(u.ctx, "incoming invite without usable offer", logger.Err(err))
		_ = dlg.Respond(488, "Not Acceptable Here", nil)
		return
	}

	s := newSession(transport.SessionID(uuid.NewString()), true)
	s.in = dlg
	s.offer = offer
	s.callID = req.CallID().Value()
	u.track(s)

	_ = dlg.Respond(100, "Trying", nil)
	if err := dlg.Respond(180, "Ringing", nil); err != nil {
		u.finish(s, 0, err.Error())
		return
	}

	tx.OnCancel(func(*sip.Request) {
		u.finish(s, 487, "Request Terminated")
	})

	var remote transport.Identity
	if from := req.From(); from != nil {
		remote = transport.ParseIdentity(from.DisplayName, from.Address.String())
	}
	u.log.Info(u.ctx, "incoming call",
		logger.String("session", string(s.id)),
		logger.String("from", remote.URI))
	u.emit(transport.IncomingInvite{Session: s.id, Remote: remote})

	select {
	case <-s.done:
	case <-dlg.Context().Done():
		u.finish(s, 0, "")
	case <-u.ctx.Done():
	}
}

// onBye удаленная сторона завершила звонок
func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	s := u.byCall(req.CallID().Value())
	if s == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	var err error
	if s.inbound {
		err = u.dialogSrv.ReadBye(req, tx)
	} else {
		err = u.dialogCli.ReadBye(req, tx)
	}
	if err != nil {
		u.log.Debug(u.ctx, "bye not matched to dialog", logger.Err(err))
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	}

	if u.setState(s, transport.SessionTerminating) {
		u.emit(transport.SessionEvent{Session: s.id, State: transport.SessionTerminating})
	}
	u.finish(s, 0, "")
}
