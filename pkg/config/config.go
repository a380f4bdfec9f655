// Package config загружает конфигурацию софтфона из YAML файла и переменных окружения.
//
// Переменные окружения имеют приоритет над файлом: ключ account.password
// переопределяется переменной PHONIFY_ACCOUNT_PASSWORD.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/metrics"
	"github.com/arzzra/phonify/pkg/registration"
	"github.com/arzzra/phonify/pkg/tone"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "PHONIFY"

// DefaultUserAgent строка User-Agent по умолчанию
const DefaultUserAgent = "Phonify SIP Client 1.0"

// Config корневая конфигурация
type Config struct {
	Account      AccountConfig      `mapstructure:"account" yaml:"account"`
	Transport    TransportConfig    `mapstructure:"transport" yaml:"transport"`
	Registration RegistrationConfig `mapstructure:"registration" yaml:"registration"`
	Media        MediaConfig        `mapstructure:"media" yaml:"media"`
	Audio        AudioConfig        `mapstructure:"audio" yaml:"audio"`
	Microphone   MicrophoneConfig   `mapstructure:"microphone" yaml:"microphone"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// AccountConfig SIP учетная запись
type AccountConfig struct {
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	Domain      string `mapstructure:"domain" yaml:"domain"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
	// AuthUser имя для digest авторизации, если отличается от username
	AuthUser string `mapstructure:"auth_user" yaml:"auth_user,omitempty"`
}

// TransportConfig параметры SIP транспорта
type TransportConfig struct {
	// Server адрес регистратора/прокси host:port. Пустой - домен учетной записи.
	Server     string `mapstructure:"server" yaml:"server"`
	Protocol   string `mapstructure:"protocol" yaml:"protocol"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	UserAgent  string `mapstructure:"user_agent" yaml:"user_agent"`
	// Mock встроенный транспорт в памяти вместо сети
	Mock bool `mapstructure:"mock" yaml:"mock"`
}

// RegistrationConfig параметры регистрации
type RegistrationConfig struct {
	Expires           time.Duration `mapstructure:"expires" yaml:"expires"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UnregisterTimeout time.Duration `mapstructure:"unregister_timeout" yaml:"unregister_timeout"`
}

// MediaConfig параметры RTP
type MediaConfig struct {
	// RTPAddr локальный адрес RTP сокета. Порт 0 - выбрать свободный.
	RTPAddr string `mapstructure:"rtp_addr" yaml:"rtp_addr"`
	// PublicIP адрес в SDP, если отличается от локального
	PublicIP      string        `mapstructure:"public_ip" yaml:"public_ip,omitempty"`
	Codecs        []string      `mapstructure:"codecs" yaml:"codecs"`
	DSCP          int           `mapstructure:"dscp" yaml:"dscp"`
	HangupTimeout time.Duration `mapstructure:"hangup_timeout" yaml:"hangup_timeout"`
}

// AudioConfig параметры воспроизведения
type AudioConfig struct {
	// RequireGesture воспроизведение разрешено только после взаимодействия пользователя
	RequireGesture bool `mapstructure:"require_gesture" yaml:"require_gesture"`
	// Output файл для сырого PCM удаленной стороны. Пустой - звук отбрасывается.
	Output   string         `mapstructure:"output" yaml:"output,omitempty"`
	Ringtone string         `mapstructure:"ringtone" yaml:"ringtone,omitempty"`
	Ringback RingbackConfig `mapstructure:"ringback" yaml:"ringback"`
}

// RingbackConfig параметры гудка
type RingbackConfig struct {
	Frequencies []float64     `mapstructure:"frequencies" yaml:"frequencies"`
	Gain        float64       `mapstructure:"gain" yaml:"gain"`
	On          time.Duration `mapstructure:"on" yaml:"on"`
	Off         time.Duration `mapstructure:"off" yaml:"off"`
}

// MicrophoneConfig параметры захвата
type MicrophoneConfig struct {
	// Device устройство, доступ к которому проверяется перед звонком. Пустое - доступ разрешен.
	Device string `mapstructure:"device" yaml:"device,omitempty"`
	// File WAV файл, передаваемый как голос. Пустой - тишина.
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig параметры Prometheus
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen    string `mapstructure:"listen" yaml:"listen"`
	Path      string `mapstructure:"path" yaml:"path"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Subsystem string `mapstructure:"subsystem" yaml:"subsystem"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.protocol", "udp")
	v.SetDefault("transport.listen_addr", "0.0.0.0:5060")
	v.SetDefault("transport.user_agent", DefaultUserAgent)

	v.SetDefault("registration.expires", 300*time.Second)
	v.SetDefault("registration.timeout", 30*time.Second)
	v.SetDefault("registration.unregister_timeout", 5*time.Second)

	v.SetDefault("media.rtp_addr", "0.0.0.0:0")
	v.SetDefault("media.codecs", []string{"PCMU", "PCMA"})
	v.SetDefault("media.dscp", 46)
	v.SetDefault("media.hangup_timeout", 5*time.Second)

	rb := tone.DefaultRingback()
	v.SetDefault("audio.require_gesture", true)
	v.SetDefault("audio.ringback.frequencies", rb.Frequencies)
	v.SetDefault("audio.ringback.gain", rb.Gain)
	v.SetDefault("audio.ringback.on", rb.On)
	v.SetDefault("audio.ringback.off", rb.Off)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	md := metrics.DefaultConfig()
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", md.Namespace)
	v.SetDefault("metrics.subsystem", md.Subsystem)
}

// Default конфигурация без файла: значения по умолчанию и переменные окружения
func Default() (*Config, error) {
	return Load("")
}

// Load читает конфигурацию. Пустой path - только значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindEnv ключи без значений по умолчанию, которые можно задать только окружением
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"account.username", "account.password", "account.domain",
		"account.display_name", "account.auth_user",
		"transport.server", "transport.mock",
		"media.public_ip",
		"audio.output", "audio.ringtone",
		"microphone.device", "microphone.file",
		"log.file", "log.compress",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate проверяет обязательные поля и допустимые значения
func (c *Config) Validate() error {
	var errs []error

	if !c.Transport.Mock {
		if c.Account.Username == "" {
			errs = append(errs, errors.New("account.username is required"))
		}
		if c.Account.Domain == "" {
			errs = append(errs, errors.New("account.domain is required"))
		}
	}

	switch strings.ToLower(c.Transport.Protocol) {
	case "udp", "tcp", "ws", "wss", "tls":
	default:
		errs = append(errs, fmt.Errorf("transport.protocol %q is not supported", c.Transport.Protocol))
	}
	if _, _, err := net.SplitHostPort(c.Transport.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("transport.listen_addr: %w", err))
	}
	if c.Transport.Server != "" {
		if _, _, err := net.SplitHostPort(c.Transport.Server); err != nil {
			errs = append(errs, fmt.Errorf("transport.server: %w", err))
		}
	}

	if c.Registration.Expires < 30*time.Second {
		errs = append(errs, fmt.Errorf("registration.expires must be at least 30s, got %s", c.Registration.Expires))
	}
	if c.Registration.Timeout <= 0 {
		errs = append(errs, errors.New("registration.timeout must be positive"))
	}

	if _, _, err := net.SplitHostPort(c.Media.RTPAddr); err != nil {
		errs = append(errs, fmt.Errorf("media.rtp_addr: %w", err))
	}
	if c.Media.PublicIP != "" && net.ParseIP(c.Media.PublicIP) == nil {
		errs = append(errs, fmt.Errorf("media.public_ip %q is not an IP address", c.Media.PublicIP))
	}
	if len(c.Media.Codecs) == 0 {
		errs = append(errs, errors.New("media.codecs must not be empty"))
	}
	for _, name := range c.Media.Codecs {
		if _, err := audio.CodecByName(name); err != nil {
			errs = append(errs, fmt.Errorf("media.codecs: %w", err))
		}
	}
	if c.Media.DSCP < 0 || c.Media.DSCP > 63 {
		errs = append(errs, fmt.Errorf("media.dscp must be in [0, 63], got %d", c.Media.DSCP))
	}

	rb := c.Audio.Ringback
	if len(rb.Frequencies) == 0 || rb.On <= 0 || rb.Off < 0 {
		errs = append(errs, errors.New("audio.ringback requires frequencies and a positive on period"))
	}
	if rb.Gain <= 0 || rb.Gain > 1 {
		errs = append(errs, fmt.Errorf("audio.ringback.gain must be in (0, 1], got %v", rb.Gain))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("metrics.listen: %w", err))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
		}
	}

	return errors.Join(errs...)
}

// Dump пишет конфигурацию в YAML. Пароль маскируется.
func (c *Config) Dump(w io.Writer) error {
	masked := *c
	if masked.Account.Password != "" {
		masked.Account.Password = "******"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(masked); err != nil {
		return err
	}
	return enc.Close()
}

// Server адрес регистратора: transport.server или домен на стандартном порту
func (c *Config) Server() string {
	if c.Transport.Server != "" {
		return c.Transport.Server
	}
	port := "5060"
	if strings.EqualFold(c.Transport.Protocol, "tls") || strings.EqualFold(c.Transport.Protocol, "wss") {
		port = "5061"
	}
	return net.JoinHostPort(c.Account.Domain, port)
}

// Codecs кодеки в порядке предпочтения. Неизвестные имена пропускаются.
func (c *Config) Codecs() []audio.Codec {
	out := make([]audio.Codec, 0, len(c.Media.Codecs))
	for _, name := range c.Media.Codecs {
		if codec, err := audio.CodecByName(name); err == nil {
			out = append(out, codec)
		}
	}
	return out
}

// LoggerConfig параметры для logger.New
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// MetricsConfig параметры для metrics.New
func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:   c.Metrics.Enabled,
		Namespace: c.Metrics.Namespace,
		Subsystem: c.Metrics.Subsystem,
	}
}

// RegistrationConfig параметры для registration.New
func (c *Config) RegistrationConfig() registration.Config {
	return registration.Config{
		Timeout:           c.Registration.Timeout,
		UnregisterTimeout: c.Registration.UnregisterTimeout,
	}
}

// Ringback параметры синтезатора гудка
func (c *Config) Ringback() tone.SynthConfig {
	rb := c.Audio.Ringback
	return tone.SynthConfig{
		Frequencies: append([]float64(nil), rb.Frequencies...),
		Gain:        rb.Gain,
		On:          rb.On,
		Off:         rb.Off,
	}
}
