package qechod

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"go.qecho.dev/qecho/internal/netutil"
	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/qechowt"
	"go.qecho.dev/qecho/pkg/serde"
)

const (
	DefaultListenAddr = "0.0.0.0:4434"
	DefaultAdminAddr  = "127.0.0.1:4435"

	ProtocolQUIC         = "quic"
	ProtocolWebTransport = "webtransport"
)

type WebTransportSpec struct {
	Path           string   `yaml:"path,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

type RotationConfig struct {
	Enable     bool   `yaml:"enable"`
	Filename   string `yaml:"filename,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// LogConfig configures the daemon's logger.
// Level is one of debug, info, warn, error. Format is console or json.
// Outputs may contain stdout, stderr, or file paths.
type LogConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"`
	Outputs     []string       `yaml:"outputs"`
	Development bool           `yaml:"development,omitempty"`
	Rotation    RotationConfig `yaml:"rotation,omitempty"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Protocol   string `yaml:"protocol"`
	CertPath   string `yaml:"cert_path"`
	KeyPath    string `yaml:"key_path"`

	// AdminAddr is where the admin HTTP API listens. Empty disables it.
	AdminAddr    string           `yaml:"admin_addr"`
	WebTransport WebTransportSpec `yaml:"webtransport,omitempty"`
	Qlog         bool             `yaml:"qlog,omitempty"`

	MaxSessions          int64         `yaml:"max_sessions"`
	MaxStreamsPerSession int64         `yaml:"max_streams_per_session"`
	Overflow             string        `yaml:"overflow"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	StreamAcceptTimeout  time.Duration `yaml:"stream_accept_timeout"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`

	Log LogConfig `yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		Protocol:   ProtocolQUIC,
		CertPath:   "./cert.pem",
		KeyPath:    "./key.pem",
		AdminAddr:  DefaultAdminAddr,
		WebTransport: WebTransportSpec{
			Path: qechowt.DefaultPath,
		},
		Overflow: string(netutil.Queue),
		Log:      DefaultLogConfig(),
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stderr"},
	}
}

// Validate checks the config for values which could never work.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return errors.Wrapf(err, "invalid listen_addr %q", c.ListenAddr)
	}
	switch c.Protocol {
	case ProtocolQUIC, ProtocolWebTransport:
	default:
		return errors.Errorf("unknown protocol %q", c.Protocol)
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("cert_path and key_path are required")
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			return errors.Wrapf(err, "invalid admin_addr %q", c.AdminAddr)
		}
	}
	if p := c.WebTransport.Path; p != "" && !strings.HasPrefix(p, "/") {
		return errors.Errorf("webtransport path must start with /, have %q", p)
	}
	if c.MaxSessions < 0 || c.MaxStreamsPerSession < 0 {
		return errors.New("limits cannot be negative")
	}
	if _, err := netutil.ParseOverflowPolicy(c.Overflow); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout":     c.HandshakeTimeout,
		"stream_accept_timeout": c.StreamAcceptTimeout,
		"read_timeout":          c.ReadTimeout,
		"write_timeout":         c.WriteTimeout,
	} {
		if d < 0 {
			return errors.Errorf("%s cannot be negative", name)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func LoadConfig(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", p)
	}
	return &c, nil
}

func SaveConfig(config Config, p string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// MakeParams validates c and loads everything it refers to.
// Paths starting with ./ are relative to the directory containing configPath.
func MakeParams(configPath string, c Config) (*Params, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cert, err := serde.LoadServerIdentity(resolvePath(configPath, c.CertPath), resolvePath(configPath, c.KeyPath))
	if err != nil {
		return nil, err
	}
	return makeParams(c, cert), nil
}

func makeParams(c Config, cert tls.Certificate) *Params {
	overflow, _ := netutil.ParseOverflowPolicy(c.Overflow)
	return &Params{
		Protocol:       c.Protocol,
		ListenAddr:     c.ListenAddr,
		Certificate:    cert,
		Path:           c.WebTransport.Path,
		AllowedOrigins: c.WebTransport.AllowedOrigins,
		Qlog:           c.Qlog,
		AdminAddr:      c.AdminAddr,
		Echo: qecho.EchoConfig{
			ReadTimeout:  c.ReadTimeout,
			WriteTimeout: c.WriteTimeout,
		},
		MaxSessions:          c.MaxSessions,
		MaxStreamsPerSession: c.MaxStreamsPerSession,
		Overflow:             overflow,
		HandshakeTimeout:     c.HandshakeTimeout,
		StreamAcceptTimeout:  c.StreamAcceptTimeout,
	}
}

func resolvePath(configPath, p string) string {
	if strings.HasPrefix(p, "./") {
		return filepath.Join(filepath.Dir(configPath), p)
	}
	return p
}
