// Package sipua реализует transport.Transport поверх sipgo.
//
// UA держит один sipgo.UserAgent с клиентом и сервером, кэши клиентских и
// серверных диалогов и по одному RTP потоку на звонок. Все изменения состояния
// сообщаются через Events().
package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/transport"
)

// ErrUnknownSession сессия не найдена или уже завершена
var ErrUnknownSession = errors.New("sipua: unknown session")

// ErrClosed UA закрыт
var ErrClosed = errors.New("sipua: closed")

const eventBuffer = 128

// Config параметры SIP аккаунта и медиа
type Config struct {
	Username    string
	Password    string
	AuthUser    string
	Domain      string
	DisplayName string

	// Server адрес регистратора и outbound proxy host:port
	Server     string
	Protocol   string
	ListenAddr string
	UserAgent  string
	Expires    time.Duration

	RTPAddr  string
	PublicIP string
	Codecs   []audio.Codec
	DSCP     int

	// Voice источник исходящего голоса на каждый звонок. nil - тишина.
	Voice func() Source

	Logger logger.StructuredLogger
}

func (c *Config) authUser() string {
	if c.AuthUser != "" {
		return c.AuthUser
	}
	return c.Username
}

// UA SIP user agent софтфона
type UA struct {
	cfg Config
	log logger.StructuredLogger

	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache

	contact sip.ContactHeader
	proxy   sip.Uri
	host    string

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	eventsMu sync.RWMutex
	events   chan transport.Event
	closed   bool

	mu       sync.Mutex
	sessions map[transport.SessionID]*session
	byCallID map[string]*session

	reg *registrar

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Transport = (*UA)(nil)

// New создает UA. Сеть не используется до Start.
func New(cfg Config) (*UA, error) {
	if cfg.Domain == "" || cfg.Username == "" {
		return nil, errors.New("sipua: username and domain are required")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Server == "" {
		cfg.Server = net.JoinHostPort(cfg.Domain, "5060")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5060"
	}
	if cfg.RTPAddr == "" {
		cfg.RTPAddr = "0.0.0.0:0"
	}
	if cfg.Expires <= 0 {
		cfg.Expires = 5 * time.Minute
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = []audio.Codec{audio.PCMU, audio.PCMA}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	listenHost, listenPort, err := splitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	host := advertisedHost(listenHost, cfg.PublicIP)

	var proxy sip.Uri
	if err := sip.ParseUri(routeURI(cfg.Server, cfg.Protocol), &proxy); err != nil {
		return nil, fmt.Errorf("server address: %w", err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.Username),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, fmt.Errorf("init UA: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("new server: %w", err)
	}
	cli, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}

	contact := sip.ContactHeader{
		DisplayName: cfg.DisplayName,
		Address: sip.Uri{
			User:      cfg.Username,
			Host:      host,
			Port:      listenPort,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
	}
	if cfg.Protocol != "udp" {
		contact.Address.UriParams.Add("transport", cfg.Protocol)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	u := &UA{
		cfg:       cfg,
		log:       cfg.Logger.WithComponent("sipua"),
		ua:        ua,
		client:    cli,
		server:    srv,
		dialogCli: sipgo.NewDialogClientCache(cli, contact),
		dialogSrv: sipgo.NewDialogServerCache(cli, contact),
		contact:   contact,
		proxy:     proxy,
		host:      host,
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		events:    make(chan transport.Event, eventBuffer),
		sessions:  make(map[transport.SessionID]*session),
		byCallID:  make(map[string]*session),
	}
	u.reg = newRegistrar(u)
	u.initServerHandlers()
	return u, nil
}

// Start запускает прием входящих запросов. Для tls и wss входящие запросы
// приходят только через соединение, открытое к серверу.
func (u *UA) Start() error {
	switch u.cfg.Protocol {
	case "udp", "tcp", "ws":
	default:
		u.log.Info(u.ctx, "inbound listener disabled", logger.String("protocol", u.cfg.Protocol))
		return nil
	}
	u.group.Go(func() error {
		err := u.server.ListenAndServe(u.ctx, u.cfg.Protocol, u.cfg.ListenAddr)
		if err != nil && u.ctx.Err() == nil {
			u.log.LogError(u.ctx, err, "sip listener stopped", logger.String("addr", u.cfg.ListenAddr))
			return err
		}
		return nil
	})
	u.log.Info(u.ctx, "sip listener started",
		logger.String("protocol", u.cfg.Protocol),
		logger.String("addr", u.cfg.ListenAddr))
	return nil
}

func (u *UA) Events() <-chan transport.Event { return u.events }

// Close завершает все звонки, останавливает регистрацию и закрывает канал событий.
// Повторный вызов возвращает результат первого.
func (u *UA) Close() error {
	u.closeOnce.Do(func() { u.closeErr = u.shutdown() })
	return u.closeErr
}

func (u *UA) shutdown() error {
	u.mu.Lock()
	sessions := make([]*session, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	u.mu.Unlock()

	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := u.Bye(ctx, s.id); err != nil {
			u.log.Debug(ctx, "hangup on close failed", logger.String("session", string(s.id)), logger.Err(err))
		}
		cancel()
		u.finish(s, 0, "")
	}

	u.reg.stop()
	u.cancel()
	err := u.group.Wait()
	_ = u.ua.Close()

	u.eventsMu.Lock()
	u.closed = true
	close(u.events)
	u.eventsMu.Unlock()
	return err
}

func (u *UA) emit(ev transport.Event) {
	u.eventsMu.RLock()
	defer u.eventsMu.RUnlock()
	if u.closed {
		return
	}
	select {
	case u.events <- ev:
	case <-u.ctx.Done():
	}
}

// initServerHandlers регистрирует обработчики входящих запросов
func (u *UA) initServerHandlers() {
	u.server.OnInvite(u.onInvite)

	u.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := u.dialogSrv.ReadAck(req, tx); err != nil {
			u.log.Debug(u.ctx, "ack without dialog", logger.Err(err))
		}
	})

	u.server.OnBye(u.onBye)

	u.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
}

func (u *UA) lookup(id transport.SessionID) *session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions[id]
}

func (u *UA) track(s *session) {
	u.mu.Lock()
	u.sessions[s.id] = s
	if s.callID != "" {
		u.byCallID[s.callID] = s
	}
	u.mu.Unlock()
}

func (u *UA) bindCallID(s *session, callID string) {
	u.mu.Lock()
	s.callID = callID
	u.byCallID[callID] = s
	u.mu.Unlock()
}

func (u *UA) byCall(callID string) *session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.byCallID[callID]
}

// setState меняет состояние сессии и возвращает true, если оно изменилось
func (u *UA) setState(s *session, st transport.SessionState) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s.state == st || s.state == transport.SessionTerminated {
		return false
	}
	s.state = st
	return true
}

// SessionState текущее состояние сессии. Завершенные сессии неизвестны.
func (u *UA) SessionState(id transport.SessionID) transport.SessionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s, ok := u.sessions[id]; ok {
		return s.state
	}
	return transport.SessionUnknown
}

// finish закрывает медиа, забывает сессию и сообщает Terminated один раз
func (u *UA) finish(s *session, code int, reason string) {
	u.mu.Lock()
	if s.state == transport.SessionTerminated {
		u.mu.Unlock()
		return
	}
	s.state = transport.SessionTerminated
	delete(u.sessions, s.id)
	if s.callID != "" && u.byCallID[s.callID] == s {
		delete(u.byCallID, s.callID)
	}
	st := s.stream
	u.mu.Unlock()

	if s.cancelInvite != nil {
		s.cancelInvite()
	}
	if st != nil {
		st.Close()
	}
	close(s.done)

	u.log.Info(u.ctx, "session terminated",
		logger.String("session", string(s.id)),
		logger.Int("code", code),
		logger.String("reason", reason))
	u.emit(transport.SessionEvent{Session: s.id, State: transport.SessionTerminated, Code: code, Reason: reason})
}

// openMedia открывает RTP сокет и возвращает поток и адрес для SDP
func (u *UA) openMedia(id transport.SessionID) (*stream, int, error) {
	conn, err := net.ListenPacket("udp", u.cfg.RTPAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("rtp listen: %w", err)
	}
	if err := setDSCP(conn, u.cfg.DSCP); err != nil {
		u.log.Debug(u.ctx, "dscp not applied", logger.Err(err))
	}
	port := 0
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = a.Port
	}
	return newStream(conn, string(id), u.log.WithFields(logger.String("session", string(id)))), port, nil
}

func (u *UA) voice() Source {
	if u.cfg.Voice == nil {
		return nil
	}
	return u.cfg.Voice()
}

func (u *UA) fromHeader() *sip.FromHeader {
	from := &sip.FromHeader{
		DisplayName: u.cfg.DisplayName,
		Address: sip.Uri{
			User:      u.cfg.Username,
			Host:      u.cfg.Domain,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
		Params: sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	return from
}

func (u *UA) userAgentHeader() sip.Header {
	return sip.NewHeader("User-Agent", u.cfg.UserAgent)
}

// targetURI номер превращается в URI домена аккаунта, готовый URI разбирается как есть
func targetURI(target, domain string) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	raw := target
	if !strings.HasPrefix(target, "sip:") && !strings.HasPrefix(target, "sips:") {
		if strings.Contains(target, "@") {
			raw = "sip:" + target
		} else {
			raw = "sip:" + target + "@" + domain
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("invalid target %q: %w", target, err)
	}
	if uri.User == "" {
		return sip.Uri{}, fmt.Errorf("invalid target %q: no user part", target)
	}
	return uri, nil
}

func routeURI(server, protocol string) string {
	uri := "sip:" + server + ";lr"
	if protocol != "" && protocol != "udp" {
		uri += ";transport=" + protocol
	}
	return uri
}

func splitHostPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return host, port, nil
}

// advertisedHost адрес для Contact и SDP
func advertisedHost(listenHost, publicIP string) string {
	if publicIP != "" {
		return publicIP
	}
	if ip := net.ParseIP(listenHost); ip != nil && !ip.IsUnspecified() {
		return listenHost
	}
	if listenHost != "" && net.ParseIP(listenHost) == nil {
		return listenHost
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.IsLoopback() || ipn.IP.To4() == nil {
				continue
			}
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}
