package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type AuthConfig struct {
	// Tokens maps bearer tokens to the user id they authenticate.
	Tokens map[string]string `yaml:"tokens"`
}

type DockerConfig struct {
	Image       string  `yaml:"image"`
	CPULimit    float64 `yaml:"cpu_limit"`
	MemLimitMB  int     `yaml:"mem_limit_mb"`
	PidsLimit   int     `yaml:"pids_limit"`
	NetworkMode string  `yaml:"network_mode"`
	Shell       string  `yaml:"shell"`
}

type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
	Shell   string `yaml:"shell"`
}

type ProviderConfig struct {
	Kind   string       `yaml:"kind"` // docker, local or none
	Docker DockerConfig `yaml:"docker"`
	Local  LocalConfig  `yaml:"local"`
}

type TerminalConfig struct {
	DefaultCols int    `yaml:"default_cols"`
	DefaultRows int    `yaml:"default_rows"`
	MaxCols     int    `yaml:"max_cols"`
	MaxRows     int    `yaml:"max_rows"`
	Scrollback  string `yaml:"scrollback"` // human size, e.g. "64KiB"
}

// ScrollbackBytes parses Scrollback, falling back to 64KiB.
func (t TerminalConfig) ScrollbackBytes() int {
	if t.Scrollback == "" {
		return 64 * units.KiB
	}
	n, err := units.RAMInBytes(t.Scrollback)
	if err != nil || n <= 0 {
		return 64 * units.KiB
	}
	return int(n)
}

type ValidatorConfig struct {
	PolicyPath string `yaml:"policy_path"`
	Watch      bool   `yaml:"watch"`
}

type AgentConfig struct {
	MaxSteps     int    `yaml:"max_steps"`
	Model        string `yaml:"model"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Protocol    string  `yaml:"protocol"` // http or grpc
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

type Config struct {
	Listen                string          `yaml:"listen"`
	DBPath                string          `yaml:"db_path"`
	Log                   LogConfig       `yaml:"log"`
	Auth                  AuthConfig      `yaml:"auth"`
	Provider              ProviderConfig  `yaml:"provider"`
	SessionTTLSeconds     int             `yaml:"session_ttl_seconds"`
	ProvisionTimeoutMs    int             `yaml:"provision_timeout_ms"`
	DefaultExecTimeoutMs  int             `yaml:"default_exec_timeout_ms"`
	MaxExecTimeoutMs      int             `yaml:"max_exec_timeout_ms"`
	ReaperIntervalSeconds int             `yaml:"reaper_interval_seconds"`
	Terminal              TerminalConfig  `yaml:"terminal"`
	Validator             ValidatorConfig `yaml:"validator"`
	Agent                 AgentConfig     `yaml:"agent"`
	Metrics               MetricsConfig   `yaml:"metrics"`
	Tracing               TracingConfig   `yaml:"tracing"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen: "127.0.0.1:8080",
		DBPath: "./sandflow.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			Tokens: make(map[string]string),
		},
		Provider: ProviderConfig{
			Kind: "docker",
			Docker: DockerConfig{
				Image:       "sandflow-runtime:base",
				CPULimit:    1.0,
				MemLimitMB:  512,
				PidsLimit:   256,
				NetworkMode: "none",
				Shell:       "/bin/sh",
			},
			Local: LocalConfig{
				RootDir: "./sandboxes",
				Shell:   "/bin/sh",
			},
		},
		SessionTTLSeconds:     1800,
		ProvisionTimeoutMs:    60000,
		DefaultExecTimeoutMs:  30000,
		MaxExecTimeoutMs:      120000,
		ReaperIntervalSeconds: 30,
		Terminal: TerminalConfig{
			DefaultCols: 80,
			DefaultRows: 24,
			MaxCols:     1000,
			MaxRows:     1000,
			Scrollback:  "64KiB",
		},
		Agent: AgentConfig{
			MaxSteps: 10,
			Model:    "gemini-2.5-flash",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Protocol:    "http",
			SampleRate:  1.0,
			ServiceName: "sandflow",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Auth.Tokens == nil {
		cfg.Auth.Tokens = make(map[string]string)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDFLOW_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SANDFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SANDFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SANDFLOW_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	// SANDFLOW_AUTH_TOKENS="token1=alice,token2=bob"
	if v := os.Getenv("SANDFLOW_AUTH_TOKENS"); v != "" {
		tokens := make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			token, user, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && token != "" && user != "" {
				tokens[token] = user
			}
		}
		cfg.Auth.Tokens = tokens
	}
	if v := os.Getenv("SANDFLOW_PROVIDER"); v != "" {
		cfg.Provider.Kind = v
	}
	if v := os.Getenv("SANDFLOW_DOCKER_IMAGE"); v != "" {
		cfg.Provider.Docker.Image = v
	}
	if v := os.Getenv("SANDFLOW_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Provider.Docker.CPULimit = f
		}
	}
	if v := os.Getenv("SANDFLOW_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Provider.Docker.MemLimitMB = n
		}
	}
	if v := os.Getenv("SANDFLOW_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Provider.Docker.PidsLimit = n
		}
	}
	if v := os.Getenv("SANDFLOW_NETWORK_MODE"); v != "" {
		cfg.Provider.Docker.NetworkMode = v
	}
	if v := os.Getenv("SANDFLOW_LOCAL_ROOT_DIR"); v != "" {
		cfg.Provider.Local.RootDir = v
	}
	if v := os.Getenv("SANDFLOW_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLSeconds = n
		}
	}
	if v := os.Getenv("SANDFLOW_PROVISION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProvisionTimeoutMs = n
		}
	}
	if v := os.Getenv("SANDFLOW_DEFAULT_EXEC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultExecTimeoutMs = n
		}
	}
	if v := os.Getenv("SANDFLOW_MAX_EXEC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxExecTimeoutMs = n
		}
	}
	if v := os.Getenv("SANDFLOW_VALIDATOR_POLICY"); v != "" {
		cfg.Validator.PolicyPath = v
	}
	if v := os.Getenv("SANDFLOW_AGENT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxSteps = n
		}
	}
	if v := os.Getenv("SANDFLOW_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Agent.GeminiAPIKey == "" {
		cfg.Agent.GeminiAPIKey = v
	}
	if v := os.Getenv("SANDFLOW_GEMINI_API_KEY"); v != "" {
		cfg.Agent.GeminiAPIKey = v
	}
	if v := os.Getenv("SANDFLOW_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("SANDFLOW_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("SANDFLOW_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}
