package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phonify.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
account:
  username: "1001"
  password: "secret"
  domain: "pbx.example.com"
  display_name: "Front Desk"
transport:
  protocol: "tcp"
registration:
  expires: 120s
media:
  codecs: ["PCMA"]
log:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "1001", cfg.Account.Username)
	assert.Equal(t, "Front Desk", cfg.Account.DisplayName)
	assert.Equal(t, "tcp", cfg.Transport.Protocol)
	assert.Equal(t, DefaultUserAgent, cfg.Transport.UserAgent)
	assert.Equal(t, 120*time.Second, cfg.Registration.Expires)
	assert.Equal(t, 30*time.Second, cfg.Registration.Timeout)
	assert.Equal(t, []string{"PCMA"}, cfg.Media.Codecs)
	assert.Equal(t, 46, cfg.Media.DSCP)
	assert.True(t, cfg.Audio.RequireGesture)
	assert.Equal(t, []float64{440, 480}, cfg.Audio.Ringback.Frequencies)
	assert.Equal(t, 2*time.Second, cfg.Audio.Ringback.On)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)

	assert.Equal(t, "pbx.example.com:5060", cfg.Server())
	require.Len(t, cfg.Codecs(), 1)
	assert.Equal(t, "PCMA", cfg.Codecs()[0].Name)
	assert.Equal(t, "debug", cfg.LoggerConfig().Level)
	assert.Equal(t, 30*time.Second, cfg.RegistrationConfig().Timeout)
	assert.Equal(t, 0.1, cfg.Ringback().Gain)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
account:
  username: "1001"
  domain: "pbx.example.com"
`)
	t.Setenv("PHONIFY_ACCOUNT_PASSWORD", "from-env")
	t.Setenv("PHONIFY_REGISTRATION_EXPIRES", "600s")
	t.Setenv("PHONIFY_MEDIA_CODECS", "PCMU,PCMA")
	t.Setenv("PHONIFY_METRICS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Account.Password)
	assert.Equal(t, 600*time.Second, cfg.Registration.Expires)
	assert.Equal(t, []string{"PCMU", "PCMA"}, cfg.Media.Codecs)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "phonify", cfg.MetricsConfig().Namespace)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefault_MockNeedsNoAccount(t *testing.T) {
	t.Setenv("PHONIFY_TRANSPORT_MOCK", "true")
	cfg, err := Default()
	require.NoError(t, err)
	assert.True(t, cfg.Transport.Mock)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, `
account:
  username: "1001"
  domain: "pbx.example.com"
`))
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing username", func(c *Config) { c.Account.Username = "" }},
		{"bad protocol", func(c *Config) { c.Transport.Protocol = "sctp" }},
		{"bad server", func(c *Config) { c.Transport.Server = "no-port" }},
		{"short expires", func(c *Config) { c.Registration.Expires = time.Second }},
		{"unknown codec", func(c *Config) { c.Media.Codecs = []string{"OPUS"} }},
		{"no codecs", func(c *Config) { c.Media.Codecs = nil }},
		{"dscp range", func(c *Config) { c.Media.DSCP = 64 }},
		{"bad public ip", func(c *Config) { c.Media.PublicIP = "example.com" }},
		{"zero gain", func(c *Config) { c.Audio.Ringback.Gain = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad metrics path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Path = "metrics" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestServer_TLSDefaultPort(t *testing.T) {
	cfg := &Config{
		Account:   AccountConfig{Domain: "pbx.example.com"},
		Transport: TransportConfig{Protocol: "wss"},
	}
	assert.Equal(t, "pbx.example.com:5061", cfg.Server())
}

func TestDump_MasksPassword(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
account:
  username: "1001"
  password: "secret"
  domain: "pbx.example.com"
`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))
	out := buf.String()
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "******")
	assert.Contains(t, out, "expires: 5m0s")
	assert.Equal(t, "secret", cfg.Account.Password)
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "phonify.example.yaml"))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "Front Desk", cfg.Account.DisplayName)
}
