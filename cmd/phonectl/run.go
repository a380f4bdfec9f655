package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/call"
	"github.com/arzzra/phonify/pkg/config"
	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/media"
	"github.com/arzzra/phonify/pkg/metrics"
	"github.com/arzzra/phonify/pkg/phone"
	"github.com/arzzra/phonify/pkg/status"
	"github.com/arzzra/phonify/pkg/tone"
	"github.com/arzzra/phonify/pkg/transport"
	"github.com/arzzra/phonify/pkg/transport/mocktransport"
	"github.com/arzzra/phonify/pkg/transport/sipua"
)

type runOptions struct {
	configPath string
	dial       string
	autoAnswer bool
	mock       bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register the account and accept commands on stdin",
		Long: `Register the SIP account and read commands from stdin:

  call <number>   place a call
  answer          answer the incoming call
  reject          reject the incoming call
  hangup          end the current call
  mute | unmute   toggle outgoing voice
  status          print the current state
  quit            unregister and exit

Every entered line also counts as a user gesture and unlocks audio playback.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().StringVar(&opts.dial, "dial", "", "Number to call after registration")
	cmd.Flags().BoolVar(&opts.autoAnswer, "auto-answer", false, "Answer incoming calls automatically")
	cmd.Flags().BoolVar(&opts.mock, "mock", false, "Use the in-memory transport instead of SIP")
	return cmd
}

func run(ctx context.Context, opts runOptions, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.mock {
		cfg.Transport.Mock = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return err
	}
	collector := metrics.New(cfg.MetricsConfig())

	tr, err := newTransport(cfg, log)
	if err != nil {
		return err
	}

	phoneOpts := phone.Options{
		Transport:      tr,
		Permissions:    permissions(cfg),
		Output:         outputFactory(cfg.Audio.Output),
		RequireGesture: cfg.Audio.RequireGesture,
		Ringback:       cfg.Ringback(),
		Domain:         cfg.Account.Domain,
		Registration:   cfg.RegistrationConfig(),
		HangupTimeout:  cfg.Media.HangupTimeout,
		NoticeBuffer:   16,
		Logger:         log,
		Metrics:        collector,
	}
	if cfg.Audio.Ringtone != "" {
		clip, err := audio.LoadWAV(cfg.Audio.Ringtone)
		if err != nil {
			_ = tr.Close()
			return fmt.Errorf("load ringtone: %w", err)
		}
		phoneOpts.Ringtone = clip
	}

	p, err := phone.New(phoneOpts)
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn(context.Background(), "phone close failed", logger.Err(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics, collector, log) })
	}
	g.Go(func() error { printNotices(ctx, p, out); return nil })
	g.Go(func() error { watchStatus(ctx, p, out, opts.autoAnswer, log); return nil })

	if err := p.Initialize(ctx); err != nil {
		fmt.Fprintf(out, "registration failed: %v\n", err)
	}
	if opts.dial != "" {
		if err := p.StartCall(ctx, opts.dial); err != nil {
			fmt.Fprintf(out, "call %s failed: %v\n", opts.dial, err)
		}
	}

	g.Go(func() error { return newConsole(p, out).run(ctx, in) })

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newTransport(cfg *config.Config, log logger.StructuredLogger) (transport.Transport, error) {
	if cfg.Transport.Mock {
		log.Info(context.Background(), "using in-memory transport")
		return mocktransport.NewAuto(), nil
	}

	var voice func() sipua.Source
	if cfg.Microphone.File != "" {
		clip, err := audio.LoadWAV(cfg.Microphone.File)
		if err != nil {
			return nil, fmt.Errorf("load voice file: %w", err)
		}
		voice = func() sipua.Source { return tone.NewLoop(clip) }
	}

	ua, err := sipua.New(sipua.Config{
		Username:    cfg.Account.Username,
		Password:    cfg.Account.Password,
		AuthUser:    cfg.Account.AuthUser,
		Domain:      cfg.Account.Domain,
		DisplayName: cfg.Account.DisplayName,
		Server:      cfg.Server(),
		Protocol:    strings.ToLower(cfg.Transport.Protocol),
		ListenAddr:  cfg.Transport.ListenAddr,
		UserAgent:   cfg.Transport.UserAgent,
		Expires:     cfg.Registration.Expires,
		RTPAddr:     cfg.Media.RTPAddr,
		PublicIP:    cfg.Media.PublicIP,
		Codecs:      cfg.Codecs(),
		DSCP:        cfg.Media.DSCP,
		Voice:       voice,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	if err := ua.Start(); err != nil {
		_ = ua.Close()
		return nil, err
	}
	return ua, nil
}

func permissions(cfg *config.Config) media.Permissions {
	if cfg.Microphone.Device != "" {
		return media.DevicePermission{Path: cfg.Microphone.Device}
	}
	return media.StaticPermission{Granted: true}
}

// outputFactory каждое устройство дописывает сырой PCM в общий файл
func outputFactory(path string) media.OutputFactory {
	if path == "" {
		return nil
	}
	return func() (audio.Output, error) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audio output: %w", err)
		}
		return audio.NewWriterOutput(f), nil
	}
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, collector *metrics.Collector, log logger.StructuredLogger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, collector.Handler())
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info(ctx, "metrics server started", logger.String("addr", cfg.Listen), logger.String("path", cfg.Path))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printNotices(ctx context.Context, p *phone.Phone, out io.Writer) {
	notices := p.Notices()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			fmt.Fprintf(out, "[%s] %s\n", n.Severity, n.Message)
		}
	}
}

// watchStatus печатает смену состояний и при autoAnswer отвечает на входящие
func watchStatus(ctx context.Context, p *phone.Phone, out io.Writer, autoAnswer bool, log logger.StructuredLogger) {
	updates, cancel := p.Subscribe()
	defer cancel()

	var prev status.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if st.Registration != prev.Registration || st.Call != prev.Call || st.Muted != prev.Muted {
				fmt.Fprintln(out, formatStatus(st))
			}
			if autoAnswer && st.Call == call.StateIncoming && prev.Call != call.StateIncoming {
				go func() {
					if err := p.AnswerCall(ctx); err != nil {
						log.Warn(ctx, "auto answer failed", logger.Err(err))
					}
				}()
			}
			prev = st
		}
	}
}

func formatStatus(st status.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "registration=%s call=%s", st.Registration, st.Call)
	if st.RegistrationReason != "" {
		fmt.Fprintf(&b, " reason=%q", st.RegistrationReason)
	}
	if st.Call != call.StateIdle {
		fmt.Fprintf(&b, " remote=%q <%s>", st.Caller.Name, st.Caller.Number)
	}
	if st.Active {
		fmt.Fprintf(&b, " duration=%s muted=%t", st.DurationText, st.Muted)
	}
	return b.String()
}
