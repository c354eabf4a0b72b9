package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Upload execution contexts
const (
	ContextForeground = "foreground"
	ContextBackground = "background"
)

// Bridge transports
const (
	TransportPipe = "pipe"
	TransportNATS = "nats"
)

// Config represents the complete service configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	HTTP         HTTPConfig         `yaml:"http"`
	Audio        AudioConfig        `yaml:"audio"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Storage      StorageConfig      `yaml:"storage"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Upload       UploadConfig       `yaml:"upload"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Journal      JournalConfig      `yaml:"journal"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains UDP frame ingest configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port"`
	BindAddress          string `yaml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams"`
	Workers              int    `yaml:"workers"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio capture parameters
type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	FrameSize         int     `yaml:"frame_size"`         // samples per frame
	AllocationSeconds float64 `yaml:"allocation_seconds"` // buffer growth step
	StreamTimeout     int     `yaml:"stream_timeout"`     // seconds
	Format            string  `yaml:"format"`
}

// SegmentationConfig contains clip boundary thresholds in seconds
type SegmentationConfig struct {
	PreferredLength float64 `yaml:"preferred_length"`
	DesperateLength float64 `yaml:"desperate_length"`
	MaxLength       float64 `yaml:"max_length"`
	ShortSilence    float64 `yaml:"short_silence"`
	LongSilence     float64 `yaml:"long_silence"`
	VADThreshold    float32 `yaml:"vad_threshold"`
}

// StorageConfig contains object storage configuration
type StorageConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // empty for AWS
	UsePathStyle bool   `yaml:"use_path_style"`
	Timeout      int    `yaml:"timeout"` // seconds
	EnableHTTP2  bool   `yaml:"enable_http2"`
}

// CredentialsConfig contains the identity endpoint that issues write credentials
type CredentialsConfig struct {
	Endpoint       string `yaml:"endpoint"`
	AuthToken      string `yaml:"auth_token"`
	Timeout        int    `yaml:"timeout"`         // seconds
	RefreshTimeout int    `yaml:"refresh_timeout"` // seconds, background refresh queue

	// Static credentials, used when no endpoint is configured
	AccessKeyID  string `yaml:"access_key_id"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
}

// UploadConfig contains clip upload policy
type UploadConfig struct {
	Context        string `yaml:"context"` // foreground or background
	MaxRetries     int    `yaml:"max_retries"`
	RetryDelayMs   int    `yaml:"retry_delay_ms"`
	AttemptTimeout int    `yaml:"attempt_timeout"` // seconds
}

// BridgeConfig contains the foreground/background transport configuration
type BridgeConfig struct {
	Transport     string `yaml:"transport"` // pipe or nats
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Embedded      bool   `yaml:"embedded"` // run an in-process NATS server
	BufferSize    int    `yaml:"buffer_size"`
}

// JournalConfig contains the clip lifecycle journal configuration
type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral or persistent
	MaxAgeDays    int    `yaml:"max_age_days"`
}

// TelemetryConfig contains tracing configuration
type TelemetryConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled"`
	ServiceName    string `yaml:"service_name"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration with every optional field populated.
// Load unmarshals on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:              4000,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			MaxConcurrentStreams: 100,
			Workers:              4,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			FrameSize:         1024,
			AllocationSeconds: 5,
			StreamTimeout:     60,
			Format:            "wav",
		},
		Segmentation: SegmentationConfig{
			PreferredLength: 10,
			DesperateLength: 20,
			MaxLength:       30,
			ShortSilence:    0.2,
			LongSilence:     0.5,
			VADThreshold:    0.5,
		},
		Storage: StorageConfig{
			Region:      "us-east-1",
			Timeout:     30,
			EnableHTTP2: true,
		},
		Credentials: CredentialsConfig{
			Timeout:        10,
			RefreshTimeout: 10,
		},
		Upload: UploadConfig{
			Context:        ContextForeground,
			MaxRetries:     3,
			RetryDelayMs:   1000,
			AttemptTimeout: 30,
		},
		Bridge: BridgeConfig{
			Transport:     TransportPipe,
			SubjectPrefix: "clipupload.bridge",
			BufferSize:    256,
		},
		Journal: JournalConfig{
			RetentionMode: "ephemeral",
			MaxAgeDays:    7,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "clip-upload-service",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Segmentation.Validate(); err != nil {
		return fmt.Errorf("segmentation config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.Credentials.Validate(); err != nil {
		return fmt.Errorf("credentials config: %w", err)
	}
	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	if err := c.Journal.Validate(); err != nil {
		return fmt.Errorf("journal config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	// thresholds must still be ordered once converted to frames
	if _, err := c.SegmentationFrames(); err != nil {
		return fmt.Errorf("segmentation config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}
	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}
	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}
	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}
		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 22050, 44100, 48000 Hz, got %d", a.SampleRate)
	}
	if a.FrameSize < 64 || a.FrameSize > 16384 {
		return fmt.Errorf("frame_size must be between 64 and 16384 samples, got %d", a.FrameSize)
	}
	if a.AllocationSeconds <= 0 {
		return fmt.Errorf("allocation_seconds must be positive, got %f", a.AllocationSeconds)
	}
	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}
	if a.Format != "wav" {
		return fmt.Errorf("format must be 'wav', got '%s'", a.Format)
	}
	return nil
}

// Validate validates segmentation configuration
func (s *SegmentationConfig) Validate() error {
	if s.PreferredLength <= 0 {
		return fmt.Errorf("preferred_length must be positive, got %f", s.PreferredLength)
	}
	if s.DesperateLength <= s.PreferredLength {
		return fmt.Errorf("desperate_length (%f) must be greater than preferred_length (%f)",
			s.DesperateLength, s.PreferredLength)
	}
	if s.MaxLength <= s.DesperateLength {
		return fmt.Errorf("max_length (%f) must be greater than desperate_length (%f)",
			s.MaxLength, s.DesperateLength)
	}
	if s.ShortSilence < 0 {
		return fmt.Errorf("short_silence cannot be negative, got %f", s.ShortSilence)
	}
	if s.LongSilence < s.ShortSilence {
		return fmt.Errorf("long_silence (%f) must not be shorter than short_silence (%f)",
			s.LongSilence, s.ShortSilence)
	}
	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", s.VADThreshold)
	}
	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Bucket == "" {
		return fmt.Errorf("bucket cannot be empty")
	}
	if s.Region == "" {
		return fmt.Errorf("region cannot be empty")
	}
	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}
	return nil
}

// Validate validates credentials configuration
func (c *CredentialsConfig) Validate() error {
	if c.Endpoint == "" && (c.AccessKeyID == "" || c.SecretKey == "") {
		return fmt.Errorf("either endpoint or static access_key_id and secret_key must be set")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}
	if c.RefreshTimeout < 1 {
		return fmt.Errorf("refresh_timeout must be at least 1 second, got %d", c.RefreshTimeout)
	}
	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	if u.Context != ContextForeground && u.Context != ContextBackground {
		return fmt.Errorf("context must be '%s' or '%s', got '%s'", ContextForeground, ContextBackground, u.Context)
	}
	if u.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", u.MaxRetries)
	}
	if u.RetryDelayMs < 0 {
		return fmt.Errorf("retry_delay_ms cannot be negative, got %d", u.RetryDelayMs)
	}
	if u.AttemptTimeout < 1 {
		return fmt.Errorf("attempt_timeout must be at least 1 second, got %d", u.AttemptTimeout)
	}
	return nil
}

// Validate validates bridge configuration
func (b *BridgeConfig) Validate() error {
	switch b.Transport {
	case TransportPipe:
	case TransportNATS:
		if b.NATSURL == "" && !b.Embedded {
			return fmt.Errorf("nats_url cannot be empty unless embedded is set")
		}
		if b.SubjectPrefix == "" {
			return fmt.Errorf("subject_prefix cannot be empty")
		}
	default:
		return fmt.Errorf("transport must be '%s' or '%s', got '%s'", TransportPipe, TransportNATS, b.Transport)
	}
	if b.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be at least 1, got %d", b.BufferSize)
	}
	return nil
}

// Validate validates journal configuration
func (j *JournalConfig) Validate() error {
	switch j.RetentionMode {
	case "ephemeral":
	case "persistent":
		if j.Path == "" {
			return fmt.Errorf("path cannot be empty in persistent mode")
		}
	default:
		return fmt.Errorf("retention_mode must be 'ephemeral' or 'persistent', got '%s'", j.RetentionMode)
	}
	if j.MaxAgeDays < 0 {
		return fmt.Errorf("max_age_days cannot be negative, got %d", j.MaxAgeDays)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// any other output value is treated as a file path
	return nil
}

// SegmentationFrames holds the segmentation thresholds converted to frame counts
type SegmentationFrames struct {
	Preferred    int
	Desperate    int
	Max          int
	ShortSilence int
	LongSilence  int
}

// SegmentationFrames converts the second-based thresholds to frames of Audio.FrameSize.
func (c *Config) SegmentationFrames() (SegmentationFrames, error) {
	toFrames := func(seconds float64) int {
		return int(seconds * float64(c.Audio.SampleRate) / float64(c.Audio.FrameSize))
	}

	f := SegmentationFrames{
		Preferred:    toFrames(c.Segmentation.PreferredLength),
		Desperate:    toFrames(c.Segmentation.DesperateLength),
		Max:          toFrames(c.Segmentation.MaxLength),
		ShortSilence: toFrames(c.Segmentation.ShortSilence),
		LongSilence:  toFrames(c.Segmentation.LongSilence),
	}
	if f.Preferred < 1 || f.Desperate <= f.Preferred || f.Max <= f.Desperate {
		return f, fmt.Errorf("lengths collapse at frame size %d: preferred=%d desperate=%d max=%d frames",
			c.Audio.FrameSize, f.Preferred, f.Desperate, f.Max)
	}
	return f, nil
}

// GetStreamTimeoutDuration returns the stream timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// GetTimeoutDuration returns the storage request timeout as a time.Duration
func (s *StorageConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetTimeoutDuration returns the identity endpoint timeout as a time.Duration
func (c *CredentialsConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetRefreshTimeoutDuration returns the background refresh queue timeout
func (c *CredentialsConfig) GetRefreshTimeoutDuration() time.Duration {
	return time.Duration(c.RefreshTimeout) * time.Second
}

// GetRetryDelay returns the fixed delay between upload attempts
func (u *UploadConfig) GetRetryDelay() time.Duration {
	return time.Duration(u.RetryDelayMs) * time.Millisecond
}

// GetAttemptTimeoutDuration returns the per-attempt write timeout
func (u *UploadConfig) GetAttemptTimeoutDuration() time.Duration {
	return time.Duration(u.AttemptTimeout) * time.Second
}
