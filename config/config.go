// Package config loads pipeline configuration from the environment. One
// deployment artifact serves local, qa, and prod; environments differ
// only in the values resolved here, never in code branches.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/skillgraph/rolepipe/pipeline"
)

// Recognized environments.
const (
	EnvLocal = "local"
	EnvQA    = "qa"
	EnvProd  = "prod"
)

// Config is the resolved runtime configuration. Durations are converted
// from the *_seconds environment keys at load time.
type Config struct {
	// Environment is one of local, qa, or prod.
	Environment string

	// EngineHost is the Temporal frontend address. Empty means no engine
	// is reachable and the inline fallback is used (non-prod only).
	EngineHost                    string
	EngineNamespace               string
	EngineTaskQueue               string
	EngineMaxConcurrentActivities int
	EngineMaxConcurrentWorkflows  int

	StatusStoreHost     string
	StatusStorePort     int
	StatusStorePassword string
	StatusStoreDB       int
	StatusStoreTTL      time.Duration

	DownstreamBaseURL          string
	DownstreamTimeout          time.Duration
	DownstreamAuthToken        string
	DownstreamRPS              float64
	DownstreamBreakerThreshold int

	// EnableMockData swaps the downstream client for the fixture-backed
	// mock. Development only; rejected in prod.
	EnableMockData bool

	HTTPAddr         string
	CORSOrigins      []string
	DashboardBaseURL string

	// Debug mounts pprof and the debug-log toggle on the HTTP server.
	Debug bool
}

// envDefaults supplies per-environment fallbacks for the two coordinates
// that differ across deployments. Prod deliberately has no engine host
// default: production engine coordinates must be explicit.
var envDefaults = map[string]struct {
	engineHost       string
	downstreamAPIURL string
}{
	EnvLocal: {"localhost:7233", "http://localhost:8100"},
	EnvQA:    {"temporal-frontend.qa.internal:7233", "https://roles-api.qa.skillgraph.io"},
	EnvProd:  {"", "https://roles-api.skillgraph.io"},
}

// Load resolves the configuration from environment variables. Every key
// in the table maps to its upper-cased env var (engine_host→ENGINE_HOST).
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("environment", EnvLocal)
	v.SetDefault("engine_namespace", "default")
	v.SetDefault("engine_task_queue", pipeline.DefaultTaskQueue)
	v.SetDefault("engine_max_concurrent_activities", 50)
	v.SetDefault("engine_max_concurrent_workflows", 100)
	v.SetDefault("status_store_host", "localhost")
	v.SetDefault("status_store_port", 6379)
	v.SetDefault("status_store_password", "")
	v.SetDefault("status_store_db", 0)
	v.SetDefault("status_store_ttl_seconds", 86400)
	v.SetDefault("downstream_api_timeout_seconds", 30)
	v.SetDefault("downstream_api_auth_token", "")
	v.SetDefault("downstream_api_rps", 0)
	v.SetDefault("downstream_api_breaker_threshold", 0)
	v.SetDefault("enable_mock_data", false)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http_cors_origins", "")
	v.SetDefault("dashboard_base_url", "")
	v.SetDefault("debug", false)

	env := strings.ToLower(strings.TrimSpace(v.GetString("environment")))
	if d, ok := envDefaults[env]; ok {
		v.SetDefault("engine_host", d.engineHost)
		v.SetDefault("downstream_api_base_url", d.downstreamAPIURL)
	}

	cfg := &Config{
		Environment:                   env,
		EngineHost:                    v.GetString("engine_host"),
		EngineNamespace:               v.GetString("engine_namespace"),
		EngineTaskQueue:               v.GetString("engine_task_queue"),
		EngineMaxConcurrentActivities: v.GetInt("engine_max_concurrent_activities"),
		EngineMaxConcurrentWorkflows:  v.GetInt("engine_max_concurrent_workflows"),
		StatusStoreHost:               v.GetString("status_store_host"),
		StatusStorePort:               v.GetInt("status_store_port"),
		StatusStorePassword:           v.GetString("status_store_password"),
		StatusStoreDB:                 v.GetInt("status_store_db"),
		StatusStoreTTL:                time.Duration(v.GetInt("status_store_ttl_seconds")) * time.Second,
		DownstreamBaseURL:             v.GetString("downstream_api_base_url"),
		DownstreamTimeout:             time.Duration(v.GetInt("downstream_api_timeout_seconds")) * time.Second,
		DownstreamAuthToken:           v.GetString("downstream_api_auth_token"),
		DownstreamRPS:                 v.GetFloat64("downstream_api_rps"),
		DownstreamBreakerThreshold:    v.GetInt("downstream_api_breaker_threshold"),
		EnableMockData:                v.GetBool("enable_mock_data"),
		HTTPAddr:                      v.GetString("http_addr"),
		CORSOrigins:                   splitList(v.GetString("http_cors_origins")),
		DashboardBaseURL:              v.GetString("dashboard_base_url"),
		Debug:                         v.GetBool("debug"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the constraints a bad deployment would otherwise
// surface as runtime misbehavior.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvLocal, EnvQA, EnvProd:
	default:
		return fmt.Errorf("config: unknown environment %q (want local, qa, or prod)", c.Environment)
	}
	if c.StatusStoreTTL <= 0 {
		return errors.New("config: status_store_ttl_seconds must be positive")
	}
	if c.DownstreamTimeout <= 0 {
		return errors.New("config: downstream_api_timeout_seconds must be positive")
	}
	if c.DownstreamBaseURL == "" && !c.EnableMockData {
		return errors.New("config: downstream_api_base_url is required unless enable_mock_data is set")
	}
	if c.Environment == EnvProd {
		if c.EngineHost == "" {
			return errors.New("config: engine_host is required in prod")
		}
		if c.EnableMockData {
			return errors.New("config: enable_mock_data is not allowed in prod")
		}
	}
	return nil
}

// StatusStoreAddr returns the host:port address of the status store.
func (c *Config) StatusStoreAddr() string {
	return net.JoinHostPort(c.StatusStoreHost, strconv.Itoa(c.StatusStorePort))
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
