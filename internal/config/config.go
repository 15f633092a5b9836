// Package config defines the dialogd configuration schema and loader.
//
// Configuration merges three layers, lowest precedence first: built-in
// defaults (DefaultConfig), a YAML file, and DIALOGD_-prefixed environment
// variables. Every section carries ApplyDefaults and Validate so partially
// constructed configs (tests, embedding callers) behave the same as loaded
// ones.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the dialogd service.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Log          LogConfig          `koanf:"log"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	NATS         NATSConfig         `koanf:"nats"`
	VectorStore  VectorStoreConfig  `koanf:"vectorstore"`
	Inference    InferenceConfig    `koanf:"inference"`
	Ingest       IngestConfig       `koanf:"ingest"`
	Retrieval    RetrievalConfig    `koanf:"retrieval"`
	Dialogue     DialogueConfig     `koanf:"dialogue"`
	Session      SessionConfig      `koanf:"session"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, console
}

// TelemetryConfig controls OTLP trace and metric export.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc, http/protobuf
	Insecure        bool     `koanf:"insecure"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsEnabled  bool     `koanf:"metrics_enabled"`
	MetricsInterval Duration `koanf:"metrics_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig controls the ingestion event publisher.
type NATSConfig struct {
	Enabled        bool     `koanf:"enabled"`
	URL            string   `koanf:"url"`
	Name           string   `koanf:"name"`
	ConnectTimeout Duration `koanf:"connect_timeout"`
}

// VectorStoreConfig selects and configures the index store backend.
type VectorStoreConfig struct {
	Backend string        `koanf:"backend"` // chromem, qdrant
	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem backend.
// An empty Path keeps the index in memory.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the remote Qdrant backend.
type QdrantConfig struct {
	Host           string   `koanf:"host"`
	Port           int      `koanf:"port"`
	APIKey         Secret   `koanf:"api_key"`
	UseTLS         bool     `koanf:"use_tls"`
	Collection     string   `koanf:"collection"`
	VectorSize     int      `koanf:"vector_size"`
	MaxRetries     int      `koanf:"max_retries"`
	RetryBackoff   Duration `koanf:"retry_backoff"`
	MaxMessageSize int      `koanf:"max_message_size"`
}

// InferenceConfig holds operational knobs for model backends. Which backend
// serves a project is part of the project's bindings, not service config.
type InferenceConfig struct {
	Timeout      Duration `koanf:"timeout"`
	MaxRetries   int      `koanf:"max_retries"`
	RetryBackoff Duration `koanf:"retry_backoff"`
	RateLimit    float64  `koanf:"rate_limit"` // requests per second per backend
	RateBurst    int      `koanf:"rate_burst"`
	APIKey       Secret   `koanf:"api_key"` // used when a binding carries no key
}

// IngestConfig controls chunking and the ingestion worker pool.
type IngestConfig struct {
	ChunkSize        int    `koanf:"chunk_size"`
	ChunkOverlap     int    `koanf:"chunk_overlap"`
	BatchSize        int    `koanf:"batch_size"`
	Workers          int    `koanf:"workers"`
	MaxDocumentBytes int64  `koanf:"max_document_bytes"`
	RedactSecrets    bool   `koanf:"redact_secrets"`
	RedactAllowlist  string `koanf:"redact_allowlist"`
}

// RetrievalConfig controls retrieval depth and the optional rewrite and
// rerank stages.
type RetrievalConfig struct {
	TopK          int     `koanf:"top_k"`
	MaxTopK       int     `koanf:"max_top_k"`
	NumCandidates int     `koanf:"num_candidates"`
	MinScore      float64 `koanf:"min_score"`
	Rewrite       bool    `koanf:"rewrite"`
	Rerank        bool    `koanf:"rerank"`
	MaxQueryChars int     `koanf:"max_query_chars"`
}

// DialogueConfig locates dialogue definitions.
type DialogueConfig struct {
	Dir             string `koanf:"dir"`
	Watch           bool   `koanf:"watch"`
	DefaultLanguage string `koanf:"default_language"`
}

// SessionConfig controls conversation session lifetime.
type SessionConfig struct {
	TTL               Duration `koanf:"ttl"`
	SweepInterval     Duration `koanf:"sweep_interval"`
	MaxUtteranceChars int      `koanf:"max_utterance_chars"`
}

// OrchestratorConfig controls turn handling.
type OrchestratorConfig struct {
	HistoryWindow int `koanf:"history_window"` // turns kept per session
}

// DefaultConfig returns the built-in defaults. Load overlays file and
// environment values on top of this.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			BodyLimit:       "8M",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			SampleRate:      1.0,
			MetricsEnabled:  true,
			MetricsInterval: Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			Name:           "dialogd",
			ConnectTimeout: Duration(5 * time.Second),
		},
		VectorStore: VectorStoreConfig{
			Backend: "chromem",
			Chromem: ChromemConfig{
				Path:     "", // in-memory
				Compress: true,
			},
			Qdrant: QdrantConfig{
				Host:           "localhost",
				Port:           6334,
				Collection:     "dialogd_chunks",
				VectorSize:     1536,
				MaxRetries:     3,
				RetryBackoff:   Duration(time.Second),
				MaxMessageSize: 32 * 1024 * 1024,
			},
		},
		Inference: InferenceConfig{
			Timeout:      Duration(30 * time.Second),
			MaxRetries:   3,
			RetryBackoff: Duration(time.Second),
			RateLimit:    10,
			RateBurst:    20,
		},
		Ingest: IngestConfig{
			ChunkSize:        1000,
			ChunkOverlap:     100,
			BatchSize:        50,
			Workers:          4,
			MaxDocumentBytes: 2 * 1024 * 1024,
			RedactSecrets:    false,
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			MaxTopK:       50,
			NumCandidates: 100,
			MinScore:      0,
			Rewrite:       false,
			Rerank:        false,
			MaxQueryChars: 4096,
		},
		Dialogue: DialogueConfig{
			Dir:             "dialogues",
			Watch:           true,
			DefaultLanguage: "cs",
		},
		Session: SessionConfig{
			TTL:               Duration(30 * time.Minute),
			SweepInterval:     Duration(time.Minute),
			MaxUtteranceChars: 4096,
		},
		Orchestrator: OrchestratorConfig{
			HistoryWindow: 5,
		},
	}
}

// ApplyDefaults fills zero values in every section. Boolean fields keep
// whatever they hold; their defaults come from DefaultConfig only.
func (c *Config) ApplyDefaults() {
	c.Server.ApplyDefaults()
	c.Log.ApplyDefaults()
	c.Telemetry.ApplyDefaults()
	c.NATS.ApplyDefaults()
	c.VectorStore.ApplyDefaults()
	c.Inference.ApplyDefaults()
	c.Ingest.ApplyDefaults()
	c.Retrieval.ApplyDefaults()
	c.Dialogue.ApplyDefaults()
	c.Session.ApplyDefaults()
	c.Orchestrator.ApplyDefaults()
}

// Validate checks every section and returns the first error found.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"log", &c.Log},
		{"telemetry", &c.Telemetry},
		{"nats", &c.NATS},
		{"vectorstore", &c.VectorStore},
		{"inference", &c.Inference},
		{"ingest", &c.Ingest},
		{"retrieval", &c.Retrieval},
		{"dialogue", &c.Dialogue},
		{"session", &c.Session},
		{"orchestrator", &c.Orchestrator},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplyDefaults fills zero values with listener defaults.
func (c *ServerConfig) ApplyDefaults() {
	d := DefaultConfig().Server
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.BodyLimit == "" {
		c.BodyLimit = d.BodyLimit
	}
}

// Validate checks listener settings.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.ReadTimeout.Duration() <= 0 {
		return fmt.Errorf("read_timeout must be positive")
	}
	if c.WriteTimeout.Duration() <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

// ApplyDefaults fills zero values with logging defaults.
func (c *LogConfig) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

// Validate checks the level and format names.
func (c *LogConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug|info|warn|error, got %q", c.Level)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", c.Format)
	}
	return nil
}

// ApplyDefaults fills zero values with telemetry defaults.
func (c *TelemetryConfig) ApplyDefaults() {
	d := DefaultConfig().Telemetry
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Protocol == "" {
		c.Protocol = d.Protocol
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = d.MetricsInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Validate checks export settings. Disabled telemetry is always valid.
func (c *TelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure export to remote endpoint %q is not allowed", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.MetricsEnabled && c.MetricsInterval.Duration() <= 0 {
		return fmt.Errorf("metrics_interval must be positive when metrics are enabled")
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

// ApplyDefaults fills zero values with publisher defaults.
func (c *NATSConfig) ApplyDefaults() {
	d := DefaultConfig().NATS
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
}

// Validate checks publisher settings. Disabled publishing is always valid.
func (c *NATSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("url is required when nats is enabled")
	}
	if c.ConnectTimeout.Duration() <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}

// ApplyDefaults fills zero values with backend defaults.
func (c *VectorStoreConfig) ApplyDefaults() {
	d := DefaultConfig().VectorStore
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Qdrant.Host == "" {
		c.Qdrant.Host = d.Qdrant.Host
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = d.Qdrant.Port
	}
	if c.Qdrant.Collection == "" {
		c.Qdrant.Collection = d.Qdrant.Collection
	}
	if c.Qdrant.VectorSize == 0 {
		c.Qdrant.VectorSize = d.Qdrant.VectorSize
	}
	if c.Qdrant.MaxRetries == 0 {
		c.Qdrant.MaxRetries = d.Qdrant.MaxRetries
	}
	if c.Qdrant.RetryBackoff == 0 {
		c.Qdrant.RetryBackoff = d.Qdrant.RetryBackoff
	}
	if c.Qdrant.MaxMessageSize == 0 {
		c.Qdrant.MaxMessageSize = d.Qdrant.MaxMessageSize
	}
}

// Validate checks the backend selection and its settings.
func (c *VectorStoreConfig) Validate() error {
	switch c.Backend {
	case "chromem":
		return nil
	case "qdrant":
		q := c.Qdrant
		if q.Host == "" {
			return fmt.Errorf("qdrant host is required")
		}
		if q.Port < 1 || q.Port > 65535 {
			return fmt.Errorf("qdrant port must be 1-65535, got %d", q.Port)
		}
		if q.VectorSize <= 0 {
			return fmt.Errorf("qdrant vector_size must be positive, got %d", q.VectorSize)
		}
		if q.MaxRetries < 0 {
			return fmt.Errorf("qdrant max_retries cannot be negative")
		}
		if q.MaxRetries > 0 && q.RetryBackoff.Duration() <= 0 {
			return fmt.Errorf("qdrant retry_backoff must be positive when retries are enabled")
		}
		if q.MaxMessageSize <= 0 {
			return fmt.Errorf("qdrant max_message_size must be positive")
		}
		return nil
	default:
		return fmt.Errorf("backend must be chromem or qdrant, got %q", c.Backend)
	}
}

// ApplyDefaults fills zero values with gateway defaults.
func (c *InferenceConfig) ApplyDefaults() {
	d := DefaultConfig().Inference
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RateLimit == 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst == 0 {
		c.RateBurst = d.RateBurst
	}
}

// Validate checks gateway settings.
func (c *InferenceConfig) Validate() error {
	if c.Timeout.Duration() <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.MaxRetries > 0 && c.RetryBackoff.Duration() <= 0 {
		return fmt.Errorf("retry_backoff must be positive when retries are enabled")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive")
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("rate_burst must be at least 1")
	}
	return nil
}

// ApplyDefaults fills zero values with pipeline defaults.
func (c *IngestConfig) ApplyDefaults() {
	d := DefaultConfig().Ingest
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = d.ChunkOverlap
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.MaxDocumentBytes == 0 {
		c.MaxDocumentBytes = d.MaxDocumentBytes
	}
}

// Validate checks chunking and worker-pool settings.
func (c *IngestConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_overlap cannot be negative")
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxDocumentBytes <= 0 {
		return fmt.Errorf("max_document_bytes must be positive")
	}
	return nil
}

// ApplyDefaults fills zero values with retrieval defaults.
func (c *RetrievalConfig) ApplyDefaults() {
	d := DefaultConfig().Retrieval
	if c.TopK == 0 {
		c.TopK = d.TopK
	}
	if c.MaxTopK == 0 {
		c.MaxTopK = d.MaxTopK
	}
	if c.NumCandidates == 0 {
		c.NumCandidates = d.NumCandidates
	}
	if c.MaxQueryChars == 0 {
		c.MaxQueryChars = d.MaxQueryChars
	}
}

// Validate checks retrieval depth settings.
func (c *RetrievalConfig) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.TopK)
	}
	if c.MaxTopK < c.TopK {
		return fmt.Errorf("max_top_k (%d) cannot be smaller than top_k (%d)", c.MaxTopK, c.TopK)
	}
	if c.NumCandidates <= 0 {
		return fmt.Errorf("num_candidates must be positive, got %d", c.NumCandidates)
	}
	if c.MinScore < -1 || c.MinScore > 1 {
		return fmt.Errorf("min_score must be between -1 and 1, got %f", c.MinScore)
	}
	if c.MaxQueryChars <= 0 {
		return fmt.Errorf("max_query_chars must be positive")
	}
	return nil
}

// ApplyDefaults fills zero values with definition-loading defaults.
func (c *DialogueConfig) ApplyDefaults() {
	d := DefaultConfig().Dialogue
	if c.Dir == "" {
		c.Dir = d.Dir
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = d.DefaultLanguage
	}
}

// Validate checks definition-loading settings.
func (c *DialogueConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.DefaultLanguage == "" {
		return fmt.Errorf("default_language is required")
	}
	return nil
}

// ApplyDefaults fills zero values with session defaults.
func (c *SessionConfig) ApplyDefaults() {
	d := DefaultConfig().Session
	if c.TTL == 0 {
		c.TTL = d.TTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxUtteranceChars == 0 {
		c.MaxUtteranceChars = d.MaxUtteranceChars
	}
}

// Validate checks session lifetime settings.
func (c *SessionConfig) Validate() error {
	if c.TTL.Duration() <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.SweepInterval.Duration() <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.MaxUtteranceChars <= 0 {
		return fmt.Errorf("max_utterance_chars must be positive")
	}
	return nil
}

// ApplyDefaults fills zero values with turn-handling defaults.
func (c *OrchestratorConfig) ApplyDefaults() {
	if c.HistoryWindow == 0 {
		c.HistoryWindow = DefaultConfig().Orchestrator.HistoryWindow
	}
}

// Validate checks turn-handling settings.
func (c *OrchestratorConfig) Validate() error {
	if c.HistoryWindow < 0 {
		return fmt.Errorf("history_window cannot be negative")
	}
	return nil
}

// isLocalEndpoint reports whether the endpoint points at the local host,
// handling bracketed IPv6 and host:port forms.
func isLocalEndpoint(endpoint string) bool {
	host := endpoint
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}
	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(endpoint, "::1")
}
