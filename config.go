// Package imsdk is the client-side instant-messaging SDK core: transport,
// reliable send-path, incremental sync, local persistence, and the
// connection supervisor that ties them together.
package imsdk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// TransportType selects which wire transport a Client dials.
type TransportType string

const (
	TransportWebSocket TransportType = "ws"
	TransportTCP       TransportType = "tcp"
)

// TCPOptions configures the raw-socket TCP transport.
type TCPOptions struct {
	EnableNagle     bool `json:"enable_nagle" env:"IMSDK_TCP_NAGLE" envDefault:"false"`
	EnableKeepalive bool `json:"enable_keepalive" env:"IMSDK_TCP_KEEPALIVE" envDefault:"true"`
	UseTLS          bool `json:"use_tls" env:"IMSDK_TCP_TLS" envDefault:"false"`
	SendBuf         int  `json:"send_buf" env:"IMSDK_TCP_SENDBUF" envDefault:"65536"`
	RecvBuf         int  `json:"recv_buf" env:"IMSDK_TCP_RECVBUF" envDefault:"65536"`
}

// WSOptions configures the WebSocket transport.
type WSOptions struct {
	Headers            map[string]string `json:"headers"`
	EnableCompression  bool              `json:"enable_compression" env:"IMSDK_WS_COMPRESSION" envDefault:"false"`
	MaxFrameSize       int64             `json:"max_frame_size" env:"IMSDK_WS_MAX_FRAME" envDefault:"16777216"`
}

// TransportConfig configures the active transport and its reconnect policy.
type TransportConfig struct {
	Type                 TransportType `json:"type" env:"IMSDK_TRANSPORT_TYPE" envDefault:"ws"`
	URL                  string        `json:"url" env:"IMSDK_TRANSPORT_URL"`
	ConnectionTimeout    time.Duration `json:"connection_timeout" env:"IMSDK_CONNECT_TIMEOUT" envDefault:"30s"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval" env:"IMSDK_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout     time.Duration `json:"heartbeat_timeout" env:"IMSDK_HEARTBEAT_TIMEOUT" envDefault:"10s"`
	AutoReconnect        bool          `json:"auto_reconnect" env:"IMSDK_AUTO_RECONNECT" envDefault:"true"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" env:"IMSDK_MAX_RECONNECT" envDefault:"5"`
	ReconnectInterval    time.Duration `json:"reconnect_interval" env:"IMSDK_RECONNECT_INTERVAL" envDefault:"1s"`
	TCP                  TCPOptions    `json:"tcp"`
	WS                   WSOptions     `json:"ws"`
}

// DatabaseConfig configures the local store's on-disk file and journaling mode.
type DatabaseConfig struct {
	FileName      string `json:"file_name" env:"IMSDK_DB_FILE" envDefault:"imsdk.db"`
	EnableWAL     bool   `json:"enable_wal" env:"IMSDK_DB_WAL" envDefault:"false"`
	EncryptionKey []byte `json:"-"`
}

// Config holds all SDK-wide options. Construct with Default(), then override
// fields or call LoadEnv to overlay IMSDK_* environment variables, mirroring
// the teacher client's flat Config + Default()/Load()/Save() shape.
type Config struct {
	APIURL             string          `json:"api_url" env:"IMSDK_API_URL"`
	WSURL              string          `json:"ws_url" env:"IMSDK_WS_URL"`
	Database           DatabaseConfig  `json:"database_config"`
	Transport          TransportConfig `json:"transport"`
	EnableDualTransport bool           `json:"enable_dual_transport" env:"IMSDK_DUAL_TRANSPORT" envDefault:"false"`
	EnableSmartSwitch   bool           `json:"enable_smart_switch" env:"IMSDK_SMART_SWITCH" envDefault:"false"`

	// Logger is the sink every component logs through. A nil Logger is
	// replaced with a discard logger so the core never writes to stderr
	// without the host opting in (logger sinks are an external concern).
	Logger *zerolog.Logger `json:"-"`

	// Clock lets tests substitute a deterministic clock. Nil uses SystemClock().
	Clock Clock `json:"-"`
}

// Default returns a Config populated with the spec's documented defaults.
func Default() Config {
	return Config{
		Database: DatabaseConfig{FileName: "imsdk.db"},
		Transport: TransportConfig{
			Type:                 TransportWebSocket,
			ConnectionTimeout:    30 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			HeartbeatTimeout:     10 * time.Second,
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			ReconnectInterval:    1 * time.Second,
			TCP:                  TCPOptions{EnableKeepalive: true, SendBuf: 65536, RecvBuf: 65536},
			WS:                   WSOptions{MaxFrameSize: 16 << 20},
		},
	}
}

// LoadEnv overlays IMSDK_* environment variables onto cfg and returns the
// result, leaving cfg untouched on parse error.
func LoadEnv(cfg Config) (Config, error) {
	if err := env.Parse(&cfg); err != nil {
		return cfg, NewError(KindInvalidParameter, "parse environment config", err)
	}
	return cfg, nil
}

// Path returns the default on-disk location for a persisted Config, one file
// per OS-level config dir, matching the teacher client's config.Path layout.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "imsdk", "config.json"), nil
}

// LoadFile reads a persisted Config from disk, returning Default() on any
// error (missing file, unreadable, malformed) — never an error to the caller.
func LoadFile() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// SaveFile persists cfg to disk, creating the directory if needed.
func SaveFile(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Exit codes for a host CLI wrapping this core (the CLI itself is external;
// these constants are the contract the core's detected conditions imply).
const (
	ExitCodeNormal               = 0
	ExitCodeAuthenticationFailed = 2
	ExitCodeNetworkUnreachable   = 3
	ExitCodeMaxReconnectReached  = 4
	ExitCodeKickedOut            = 5
)

func (c Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return zerolog.Nop()
}

func (c Config) clock() Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return SystemClock()
}
