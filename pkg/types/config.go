package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportType selects a concrete channel implementation.
type TransportType string

const (
	TransportWebSocket TransportType = "websocket"
	TransportHTTP2     TransportType = "http2"
)

// SSLConfig holds the TLS settings honored by every transport.
type SSLConfig struct {
	EnableSSL    bool   `yaml:"enable_ssl"`
	VerifyPeer   bool   `yaml:"verify_peer"`
	VerifyHost   bool   `yaml:"verify_host"`
	CAFile       string `yaml:"ca_file"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	CipherSuites string `yaml:"cipher_suites"` // colon-separated suite names, empty = library default
}

// TransportConfig configures one channel. Zero values mean "inherit
// from the layer below" during resolution.
type TransportConfig struct {
	Type           TransportType     `yaml:"type"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Headers        map[string]string `yaml:"headers"`
	SSL            *SSLConfig        `yaml:"ssl,omitempty"`
	MaxPayloadSize int               `yaml:"max_payload_size"`
}

// DefaultTransportConfig returns the baseline transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Type:           TransportWebSocket,
		Host:           "localhost",
		Port:           8080,
		Path:           "/umicp",
		MaxPayloadSize: MaxMessageSize,
	}
}

// UMICPConfig is the session-wide configuration. Its values act as
// defaults that per-transport configuration and explicit overrides
// refine, never the reverse.
type UMICPConfig struct {
	Version              string        `yaml:"version"`
	MaxMessageSize       int           `yaml:"max_message_size"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	EnableCompression    bool          `yaml:"enable_compression"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	RequireAuth          bool          `yaml:"require_auth"`
	RequireEncryption    bool          `yaml:"require_encryption"`
	ValidateCertificates bool          `yaml:"validate_certificates"`

	// ReassemblyIdleTimeout bounds how long an unterminated fragment
	// stream may sit in the reorder buffer before being dropped.
	ReassemblyIdleTimeout time.Duration `yaml:"reassembly_idle_timeout"`

	// ErrorBurst and ErrorRate bound how much malformed input a peer may
	// send before it is forcibly disconnected.
	ErrorBurst int     `yaml:"error_burst"`
	ErrorRate  float64 `yaml:"error_rate"`

	// SendQueueSize is the bounded per-connection outbound queue.
	SendQueueSize int `yaml:"send_queue_size"`
}

// DefaultConfig returns the session defaults.
func DefaultConfig() UMICPConfig {
	return UMICPConfig{
		Version:               ProtocolVersion,
		MaxMessageSize:        MaxMessageSize,
		ConnectionTimeout:     30 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		EnableCompression:     true,
		CompressionThreshold:  1024,
		RequireAuth:           true,
		RequireEncryption:     false,
		ValidateCertificates:  true,
		ReassemblyIdleTimeout: 60 * time.Second,
		ErrorBurst:            8,
		ErrorRate:             1,
		SendQueueSize:         64,
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (UMICPConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime
// failures deep in the send path.
func (c *UMICPConfig) Validate() error {
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be positive, got %s", c.ConnectionTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("compression_threshold must not be negative, got %d", c.CompressionThreshold)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send_queue_size must be positive, got %d", c.SendQueueSize)
	}
	// A non-positive burst would trip the misbehavior limiter on the
	// first malformed message and close the connection.
	if c.ErrorBurst <= 0 {
		return fmt.Errorf("error_burst must be positive, got %d", c.ErrorBurst)
	}
	if c.ErrorRate <= 0 {
		return fmt.Errorf("error_rate must be positive, got %g", c.ErrorRate)
	}
	return nil
}
