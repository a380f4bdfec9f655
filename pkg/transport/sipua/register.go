package sipua

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/transport"
)

// refreshRatio доля срока регистрации, после которой она обновляется
const refreshRatio = 0.9

// registrar REGISTER с digest авторизацией и периодическим обновлением
type registrar struct {
	ua     *UA
	callID sip.CallIDHeader

	mu      sync.Mutex
	cseq    uint32
	refresh context.CancelFunc
	wg      sync.WaitGroup
}

func newRegistrar(ua *UA) *registrar {
	return &registrar{ua: ua, callID: sip.CallIDHeader(uuid.NewString())}
}

// Register регистрирует аккаунт и запускает обновление регистрации
func (u *UA) Register(ctx context.Context) error {
	u.emit(transport.RegistrationEvent{Phase: transport.RegistrationRegistering})

	expires, err := u.reg.send(ctx, u.cfg.Expires)
	if err != nil {
		code, reason := transport.StatusOf(err)
		u.log.Warn(ctx, "registration failed", logger.Int("code", code), logger.String("reason", reason))
		u.emit(transport.RegistrationEvent{Phase: transport.RegistrationRejected, Code: code, Reason: reason})
		return err
	}

	u.log.Info(ctx, "registered", logger.Duration("expires", expires))
	u.emit(transport.RegistrationEvent{Phase: transport.RegistrationRegistered})
	u.reg.schedule(expires)
	return nil
}

// Unregister останавливает обновление и снимает регистрацию (Expires: 0)
func (u *UA) Unregister(ctx context.Context) error {
	u.reg.stop()
	_, err := u.reg.send(ctx, 0)
	if err != nil {
		u.log.Warn(ctx, "unregister failed", logger.Err(err))
	}
	u.emit(transport.RegistrationEvent{Phase: transport.RegistrationUnregistered})
	return err
}

func (r *registrar) nextCSeq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cseq++
	return r.cseq
}

func (r *registrar) request(expires time.Duration) *sip.Request {
	u := r.ua
	recipient := sip.Uri{Host: u.cfg.Domain, UriParams: sip.NewParams(), Headers: sip.NewParams()}
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetDestination(u.cfg.Server)
	if u.cfg.Protocol != "udp" {
		req.SetTransport(transportName(u.cfg.Protocol))
	}

	from := u.fromHeader()
	to := &sip.ToHeader{
		DisplayName: u.cfg.DisplayName,
		Address:     from.Address,
		Params:      sip.NewParams(),
	}
	contact := u.contact
	callID := r.callID
	cseq := &sip.CSeqHeader{SeqNo: r.nextCSeq(), MethodName: sip.REGISTER}

	req.AppendHeader(from)
	req.AppendHeader(to)
	req.AppendHeader(&callID)
	req.AppendHeader(cseq)
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires.Seconds()))))
	req.AppendHeader(u.userAgentHeader())
	return req
}

// send отправляет REGISTER и возвращает срок, подтвержденный регистратором
func (r *registrar) send(ctx context.Context, expires time.Duration) (time.Duration, error) {
	u := r.ua
	req := r.request(expires)

	res, err := r.do(ctx, req)
	if err != nil {
		return 0, err
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := authorize(req, res, u.cfg.authUser(), u.cfg.Password)
		if err != nil {
			return 0, err
		}
		res, err = r.do(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
		if err != nil {
			return 0, err
		}
		if c := authReq.CSeq(); c != nil {
			r.mu.Lock()
			r.cseq = c.SeqNo
			r.mu.Unlock()
		}
	}

	if res.StatusCode != 200 {
		return 0, &transport.StatusError{Code: int(res.StatusCode), Reason: res.Reason}
	}
	return grantedExpires(res, expires), nil
}

// do выполняет клиентскую транзакцию и ждет финальный ответ
func (r *registrar) do(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := r.ua.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%s transaction: %w", req.Method, err)
			}
			return nil, fmt.Errorf("%s transaction terminated without response", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// schedule перезапускает обновление регистрации через refreshRatio от срока
func (r *registrar) schedule(expires time.Duration) {
	r.stop()
	if expires <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(r.ua.ctx)
	r.mu.Lock()
	r.refresh = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx, expires)
	}()
}

func (r *registrar) loop(ctx context.Context, expires time.Duration) {
	u := r.ua
	timer := time.NewTimer(refreshInterval(expires))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		granted, err := r.send(sendCtx, u.cfg.Expires)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			code, reason := transport.StatusOf(err)
			u.log.Warn(ctx, "registration refresh failed", logger.Int("code", code), logger.String("reason", reason))
			u.emit(transport.RegistrationEvent{Phase: transport.RegistrationRejected, Code: code, Reason: reason})
			return
		}
		u.log.Debug(ctx, "registration refreshed", logger.Duration("expires", granted))
		timer.Reset(refreshInterval(granted))
	}
}

func (r *registrar) stop() {
	r.mu.Lock()
	cancel := r.refresh
	r.refresh = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func refreshInterval(expires time.Duration) time.Duration {
	return time.Duration(float64(expires) * refreshRatio)
}

// grantedExpires срок из заголовка Expires ответа, иначе запрошенный
func grantedExpires(res *sip.Response, requested time.Duration) time.Duration {
	if h := res.GetHeader("Expires"); h != nil {
		if sec, err := strconv.Atoi(h.Value()); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return requested
}

// authorize повторяет запрос с digest ответом на вызов 401 или 407
func authorize(req *sip.Request, res *sip.Response, username, password string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	if password == "" {
		return nil, &transport.StatusError{Code: int(res.StatusCode), Reason: "authentication required"}
	}
	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("%d without %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parse auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

func transportName(protocol string) string {
	switch protocol {
	case "tcp":
		return "TCP"
	case "tls":
		return "TLS"
	case "ws":
		return "WS"
	case "wss":
		return "WSS"
	default:
		return "UDP"
	}
}
