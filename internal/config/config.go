// Package config defines configuration parsing and helpers.
//
// Configuration comes from a YAML file with ${VAR} / ${VAR:default}
// substitution applied before unmarshalling, then a small set of operational
// environment overrides on top (port, environment, connection URLs, OTLP
// endpoint). Validation happens once at load; a config that loads is a config
// the rest of the process can trust.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orbit-ai/orbit/internal/domain"
)

// General holds process-wide settings. Environment overrides apply only when
// the variable is actually set, so YAML values survive env.Parse.
type General struct {
	AppEnv        string `yaml:"app_env" env:"APP_ENV"`
	Port          int    `yaml:"port" env:"PORT" validate:"gt=0,lte=65535"`
	Verbose       bool   `yaml:"verbose" env:"ORBIT_VERBOSE"`
	InferenceOnly bool   `yaml:"inference_only"`
	// SessionRequired rejects chat requests that carry no X-Session-ID.
	SessionRequired bool `yaml:"session_required"`
	// DefaultAdapter is used when an API key carries no binding and the
	// request does not override the adapter.
	DefaultAdapter string `yaml:"default_adapter"`

	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	HTTPReadTimeout  time.Duration `yaml:"http_read_timeout" env:"HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout time.Duration `yaml:"http_write_timeout" env:"HTTP_WRITE_TIMEOUT"`
	HTTPIdleTimeout  time.Duration `yaml:"http_idle_timeout" env:"HTTP_IDLE_TIMEOUT"`
	CORSAllowOrigins string        `yaml:"cors_allow_origins" env:"CORS_ALLOW_ORIGINS"`
}

// StaticAPIKey is an in-config API key binding, useful for development and
// tests; production deployments resolve keys from the api_keys table.
type StaticAPIKey struct {
	Key     string `yaml:"key"`
	Adapter string `yaml:"adapter"`
}

// APIKeys configures API-key resolution.
type APIKeys struct {
	Header string         `yaml:"header"`
	Static []StaticAPIKey `yaml:"static"`
}

// Logging configures the slog setup.
type Logging struct {
	Level   string `yaml:"level" env:"LOG_LEVEL"`
	Verbose bool   `yaml:"verbose"`
}

// Redis connection settings.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

// Addr returns host:port for the go-redis client.
func (r Redis) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Postgres connection settings for the session/history/api-key store.
type Postgres struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
}

// InternalServices groups infrastructure the gateway itself depends on.
type InternalServices struct {
	Redis    Redis    `yaml:"redis"`
	Postgres Postgres `yaml:"postgres"`
}

// QdrantDatasource configures the vector backend.
type QdrantDatasource struct {
	URL    string `yaml:"url" env:"QDRANT_URL"`
	APIKey string `yaml:"api_key" env:"QDRANT_API_KEY"`
	// CollectionPrefix is prepended to adapter names to form collection names.
	CollectionPrefix string `yaml:"collection_prefix"`
	// ScoreScale is the s in 1/(1 + d/s) when converting L2 distances to
	// similarities. Ignored for cosine/dot backends.
	ScoreScale float64 `yaml:"score_scale"`
	// Distance is the similarity kind reported by the backend:
	// l2, cosine, dot, or similarity (backend already returns [0,1]).
	Distance string `yaml:"distance"`
}

// SQLDatasource configures a SQL data source used by sql and intent adapters.
type SQLDatasource struct {
	DSN          string        `yaml:"dsn"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxResults   int           `yaml:"max_results"`
}

// Datasources groups retrieval backends by name.
type Datasources struct {
	Qdrant QdrantDatasource         `yaml:"qdrant"`
	SQL    map[string]SQLDatasource `yaml:"sql"`
}

// Provider holds the settings shared by every OpenAI-compatible endpoint the
// gateway talks to.
type Provider struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Embeddings provider settings.
type Embeddings struct {
	Provider   `yaml:",inline"`
	Dimensions int `yaml:"dimensions"`
	CacheSize  int `yaml:"cache_size" env:"EMBED_CACHE_SIZE"`
}

// Inference provider settings.
type Inference struct {
	Provider      `yaml:",inline"`
	ContextWindow int     `yaml:"context_window"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	// StreamBuffer is the bounded channel size between the LLM producer and
	// the SSE writer; the producer pauses when the buffer is full.
	StreamBuffer int `yaml:"stream_buffer"`
	// Models optionally lists every model exposed by /v1/models.
	Models []string `yaml:"models"`
	// ModelRefresh enables provider model discovery for /v1/models and sets
	// the catalog cache lifetime. Zero serves the configured list only.
	ModelRefresh time.Duration `yaml:"model_refresh"`
}

// Rerankers provider settings.
type Rerankers struct {
	Provider `yaml:",inline"`
	Enabled  bool `yaml:"enabled"`
	TopN     int  `yaml:"top_n"`
}

// Moderators provider settings.
type Moderators struct {
	Provider       `yaml:",inline"`
	Enabled        bool   `yaml:"enabled"`
	RefusalMessage string `yaml:"refusal_message"`
}

// BreakerPolicy holds circuit-breaker thresholds. Zero values fall back to
// the package defaults at construction.
type BreakerPolicy struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	OpTimeout        time.Duration `yaml:"op_timeout"`
}

// FaultTolerance configures the parallel adapter executor and breakers.
type FaultTolerance struct {
	BreakerPolicy         `yaml:",inline"`
	MaxConcurrentAdapters int                      `yaml:"max_concurrent_adapters"`
	ExecutionStrategy     string                   `yaml:"execution_strategy"`
	TotalTimeout          time.Duration            `yaml:"total_timeout"`
	AdapterOverrides      map[string]BreakerPolicy `yaml:"adapter_overrides"`
}

// Autocomplete engine settings.
type Autocomplete struct {
	Enabled        bool          `yaml:"enabled"`
	Mode           string        `yaml:"mode"`
	Threshold      float64       `yaml:"threshold"`
	MaxSuggestions int           `yaml:"max_suggestions"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// ThreadPools enumerates worker pool sizes by name. Zero-valued pools take
// the recognized defaults.
type ThreadPools struct {
	IO        int `yaml:"io"`
	CPU       int `yaml:"cpu"`
	Inference int `yaml:"inference"`
	Embedding int `yaml:"embedding"`
	DB        int `yaml:"db"`
	// QueueDepth bounds each pool's submission queue; beyond it submissions
	// fail fast with PoolSaturated.
	QueueDepth int `yaml:"queue_depth"`
}

// Performance tuning.
type Performance struct {
	ThreadPools ThreadPools `yaml:"thread_pools"`
}

// WindowLimits holds fixed-window limits for one scope.
type WindowLimits struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// RateLimiting configures the Redis fixed-window limiter.
type RateLimiting struct {
	Enabled      bool         `yaml:"enabled"`
	IPLimits     WindowLimits `yaml:"ip_limits"`
	APIKeyLimits WindowLimits `yaml:"api_key_limits"`
	ExcludePaths []string     `yaml:"exclude_paths"`
}

// Security groups request-shaping settings.
type Security struct {
	RateLimiting RateLimiting `yaml:"rate_limiting"`
	// AdminToken, when set, is accepted as a bearer token on admin routes.
	AdminToken string `yaml:"admin_token" env:"ORBIT_ADMIN_TOKEN"`
}

// ChatHistory configures the history service.
type ChatHistory struct {
	Enabled      bool          `yaml:"enabled"`
	DefaultLimit int           `yaml:"default_limit"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// Pipeline toggles individual steps.
type Pipeline struct {
	SafetyEnabled    bool `yaml:"safety_enabled"`
	LangDetect       bool `yaml:"lang_detect"`
	RetrievalEnabled bool `yaml:"retrieval_enabled"`
	RerankEnabled    bool `yaml:"rerank_enabled"`
	PostValidation   bool `yaml:"post_validation"`
}

// Observability settings.
type Observability struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

// Config is the root of the configuration tree.
type Config struct {
	General          General                    `yaml:"general"`
	APIKeys          APIKeys                    `yaml:"api_keys"`
	Logging          Logging                    `yaml:"logging"`
	InternalServices InternalServices           `yaml:"internal_services"`
	Datasources      Datasources                `yaml:"datasources"`
	Embeddings       Embeddings                 `yaml:"embeddings"`
	Inference        Inference                  `yaml:"inference"`
	Rerankers        Rerankers                  `yaml:"rerankers"`
	Moderators       Moderators                 `yaml:"moderators"`
	Adapters         []domain.AdapterDescriptor `yaml:"adapters"`
	FaultTolerance   FaultTolerance             `yaml:"fault_tolerance"`
	Autocomplete     Autocomplete               `yaml:"autocomplete"`
	Performance      Performance                `yaml:"performance"`
	Security         Security                   `yaml:"security"`
	ChatHistory      ChatHistory                `yaml:"chat_history"`
	Pipeline         Pipeline                   `yaml:"pipeline"`
	Observability    Observability              `yaml:"observability"`
}

// Load reads, expands, parses, applies env overrides, and validates the
// configuration at path. An empty path loads defaults plus env overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("op=config.Load: %w", err)
		}
		expanded := ExpandEnv(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("op=config.Load: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Validate: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration; every field a component reads
// has a sane value even with no config file present.
func Defaults() Config {
	return Config{
		General: General{
			AppEnv:           "dev",
			Port:             3000,
			ShutdownTimeout:  30 * time.Second,
			HTTPReadTimeout:  15 * time.Second,
			HTTPWriteTimeout: 120 * time.Second,
			HTTPIdleTimeout:  60 * time.Second,
			CORSAllowOrigins: "*",
		},
		APIKeys: APIKeys{Header: "X-API-Key"},
		InternalServices: InternalServices{
			Redis: Redis{Enabled: true, Host: "localhost", Port: 6379},
		},
		Datasources: Datasources{
			Qdrant: QdrantDatasource{
				URL:        "http://localhost:6333",
				ScoreScale: 200,
				Distance:   "cosine",
			},
		},
		Embeddings: Embeddings{
			Provider:   Provider{Model: "text-embedding-3-small", Timeout: 30 * time.Second},
			Dimensions: 1536,
			CacheSize:  2048,
		},
		Inference: Inference{
			Provider:      Provider{Model: "gpt-4o-mini", Timeout: 60 * time.Second},
			ContextWindow: 8192,
			MaxTokens:     1024,
			Temperature:   0.2,
			StreamBuffer:  64,
		},
		Rerankers:  Rerankers{Provider: Provider{Timeout: 10 * time.Second}, TopN: 10},
		Moderators: Moderators{Provider: Provider{Timeout: 10 * time.Second}, RefusalMessage: defaultRefusal},
		FaultTolerance: FaultTolerance{
			BreakerPolicy: BreakerPolicy{
				FailureThreshold: 5,
				SuccessThreshold: 3,
				RecoveryTimeout:  60 * time.Second,
				OpTimeout:        30 * time.Second,
			},
			MaxConcurrentAdapters: 8,
			ExecutionStrategy:     "all",
			TotalTimeout:          35 * time.Second,
		},
		Autocomplete: Autocomplete{
			Enabled:        true,
			Mode:           "jaro_winkler",
			Threshold:      60,
			MaxSuggestions: 8,
			CacheTTL:       30 * time.Minute,
		},
		Performance: Performance{
			ThreadPools: ThreadPools{IO: 50, CPU: 30, Inference: 20, Embedding: 15, DB: 25, QueueDepth: 256},
		},
		Security: Security{
			RateLimiting: RateLimiting{
				Enabled:      true,
				IPLimits:     WindowLimits{PerMinute: 60, PerHour: 1000},
				APIKeyLimits: WindowLimits{PerMinute: 120, PerHour: 3000},
				ExcludePaths: []string{"/health", "/metrics"},
			},
		},
		ChatHistory: ChatHistory{Enabled: true, DefaultLimit: 20, SessionTTL: 24 * time.Hour},
		Pipeline: Pipeline{
			SafetyEnabled:    true,
			LangDetect:       true,
			RetrievalEnabled: true,
			PostValidation:   true,
		},
		Observability: Observability{ServiceName: "orbit"},
	}
}

const defaultRefusal = "I'm sorry, but I can't help with that request."

// Validate checks structural constraints that must hold before any component
// starts: unique adapter names, known adapter types, positive limits.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Adapters))
	for _, a := range c.Adapters {
		if a.Name == "" {
			return fmt.Errorf("%w: adapter with empty name", domain.ErrInvalidArgument)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: duplicate adapter name %q", domain.ErrInvalidArgument, a.Name)
		}
		seen[a.Name] = struct{}{}
		if a.Type != domain.AdapterTypeRetriever && a.Type != domain.AdapterTypePassthrough {
			return fmt.Errorf("%w: adapter %q has unknown type %q", domain.ErrInvalidArgument, a.Name, a.Type)
		}
		if err := validateRetrieverBounds(a); err != nil {
			return err
		}
	}
	for name, ds := range c.Datasources.SQL {
		if ds.MaxResults < 0 {
			return fmt.Errorf("%w: datasource %q max_results must be >= 0", domain.ErrInvalidArgument, name)
		}
	}
	if s := c.FaultTolerance.ExecutionStrategy; s != "" && s != "all" && s != "first_success" && s != "best_effort" {
		return fmt.Errorf("%w: unknown execution_strategy %q", domain.ErrInvalidArgument, s)
	}
	switch c.Autocomplete.Mode {
	case "", "substring", "levenshtein", "jaro_winkler":
	default:
		return fmt.Errorf("%w: unknown autocomplete mode %q", domain.ErrInvalidArgument, c.Autocomplete.Mode)
	}
	return nil
}

// validateRetrieverBounds enforces the numeric constraints on a descriptor's
// retrieval settings. A present max_results key must be a positive integer.
func validateRetrieverBounds(a domain.AdapterDescriptor) error {
	if a.Config == nil {
		return nil
	}
	if v, ok := a.Config["max_results"]; ok {
		if n, ok := asInt(v); !ok || n <= 0 {
			return fmt.Errorf("%w: adapter %q max_results must be a positive integer", domain.ErrInvalidArgument, a.Name)
		}
	}
	if v, ok := a.Config["return_results"]; ok {
		if n, ok := asInt(v); !ok || n < 0 {
			return fmt.Errorf("%w: adapter %q return_results must be a non-negative integer", domain.ErrInvalidArgument, a.Name)
		}
	}
	if v, ok := a.Config["confidence_threshold"]; ok {
		if f, ok := asFloat(v); !ok || f < 0 || f > 1 {
			return fmt.Errorf("%w: adapter %q confidence_threshold must be in [0,1]", domain.ErrInvalidArgument, a.Name)
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.General.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.General.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.General.AppEnv) == "test" }

// VerboseEnabled reports whether either verbose flag is set; verbose mode
// unlocks raw query logging and per-submit pool records.
func (c Config) VerboseEnabled() bool { return c.General.Verbose || c.Logging.Verbose }

// AdapterByName returns the descriptor with the given name.
func (c Config) AdapterByName(name string) (domain.AdapterDescriptor, bool) {
	for _, a := range c.Adapters {
		if a.Name == name {
			return a, true
		}
	}
	return domain.AdapterDescriptor{}, false
}

// BreakerPolicyFor returns the effective breaker policy for an adapter,
// applying per-adapter overrides field by field.
func (c Config) BreakerPolicyFor(adapter string) BreakerPolicy {
	p := c.FaultTolerance.BreakerPolicy
	if o, ok := c.FaultTolerance.AdapterOverrides[adapter]; ok {
		if o.FailureThreshold > 0 {
			p.FailureThreshold = o.FailureThreshold
		}
		if o.SuccessThreshold > 0 {
			p.SuccessThreshold = o.SuccessThreshold
		}
		if o.RecoveryTimeout > 0 {
			p.RecoveryTimeout = o.RecoveryTimeout
		}
		if o.OpTimeout > 0 {
			p.OpTimeout = o.OpTimeout
		}
	}
	return p
}

// Dump re-serializes the configuration to YAML. Secrets are emitted as-is;
// callers expose this only on trusted surfaces.
func (c Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
