// Package config loads docagent settings from an optional JSON5 file and
// AGENT_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
)

const (
	DefaultProvider         = "openai"
	DefaultModel            = "gpt-4o-mini"
	DefaultVolumePath       = "/Volumes/main/default/docagent"
	DefaultLocalOutputDir   = "./output"
	DefaultOutputMode       = "auto"
	DefaultSkillsDir        = "./skills"
	DefaultMaxIterations    = 10
	DefaultLLMTimeoutSecs   = 120
	DefaultBashTimeoutSecs  = 60
	DefaultBashMaxTimeout   = 600
	DefaultBashTailBytes    = 16 * 1024
	DefaultPreviewChars     = 500
	DefaultCheckpoint       = "memory"
	DefaultCheckpointThread = 1024
	DefaultListenAddr       = ":8080"
	DefaultServiceName      = "docagent"
	DefaultMaxRetries       = 2
)

// Config is the full docagent configuration.
type Config struct {
	LLM        LLMConfig        `json:"llm"`
	Agent      AgentConfig      `json:"agent"`
	Storage    StorageConfig    `json:"storage"`
	Skills     SkillsConfig     `json:"skills"`
	Sandbox    SandboxConfig    `json:"sandbox"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Server     ServerConfig     `json:"server"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Log        LogConfig        `json:"log"`

	// Path is the file the config was read from, empty when none was.
	Path string `json:"-"`
}

type LLMConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key,omitempty"`
	TimeoutSecs int     `json:"timeout_secs"`
	MaxRetries  int     `json:"max_retries"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type AgentConfig struct {
	MaxIterations int    `json:"max_iterations"`
	SessionID     string `json:"session_id,omitempty"`
	ParallelTools bool   `json:"parallel_tools"`
	PreviewChars  int    `json:"preview_chars"`
	// LoopWindow is the tool-call window for repetition warnings. Zero uses
	// the default; negative disables detection.
	LoopWindow int `json:"loop_window,omitempty"`
}

type StorageConfig struct {
	VolumePath     string   `json:"volume_path"`
	LocalOutputDir string   `json:"local_output_dir"`
	OutputMode     string   `json:"output_mode"`
	S3             S3Config `json:"s3"`
}

// S3Config points the volume root at a bucket. Empty Bucket means no remote
// store.
type S3Config struct {
	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

type SkillsConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

type SandboxConfig struct {
	BashTimeoutSecs    int    `json:"bash_timeout_secs"`
	BashMaxTimeoutSecs int    `json:"bash_max_timeout_secs"`
	TailBytes          int    `json:"tail_bytes"`
	WorkdirBase        string `json:"workdir_base,omitempty"`
}

type CheckpointConfig struct {
	Backend  string `json:"backend"`
	DSN      string `json:"dsn,omitempty"`
	Capacity int    `json:"capacity"`
	TTLSecs  int    `json:"ttl_secs,omitempty"`
}

type ServerConfig struct {
	Listen string `json:"listen"`
	// RateLimit is requests per minute per user; 0 disables limiting.
	RateLimit int `json:"rate_limit"`
	RateBurst int `json:"rate_burst,omitempty"`
}

type TelemetryConfig struct {
	Endpoint    string            `json:"endpoint,omitempty"`
	ServiceName string            `json:"service_name"`
	Insecure    bool              `json:"insecure,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    DefaultProvider,
			Model:       DefaultModel,
			TimeoutSecs: DefaultLLMTimeoutSecs,
			MaxRetries:  DefaultMaxRetries,
		},
		Agent: AgentConfig{
			MaxIterations: DefaultMaxIterations,
			PreviewChars:  DefaultPreviewChars,
		},
		Storage: StorageConfig{
			VolumePath:     DefaultVolumePath,
			LocalOutputDir: DefaultLocalOutputDir,
			OutputMode:     DefaultOutputMode,
		},
		Skills: SkillsConfig{Dir: DefaultSkillsDir, Watch: true},
		Sandbox: SandboxConfig{
			BashTimeoutSecs:    DefaultBashTimeoutSecs,
			BashMaxTimeoutSecs: DefaultBashMaxTimeout,
			TailBytes:          DefaultBashTailBytes,
		},
		Checkpoint: CheckpointConfig{Backend: DefaultCheckpoint, Capacity: DefaultCheckpointThread},
		Server:     ServerConfig{Listen: DefaultListenAddr},
		Telemetry:  TelemetryConfig{ServiceName: DefaultServiceName},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// normalises the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		cfg.Path = abs
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps and canonicalises values in place.
func (c *Config) Normalize() {
	if c.Agent.MaxIterations < 1 {
		c.Agent.MaxIterations = 1
	}
	if c.Agent.PreviewChars <= 0 {
		c.Agent.PreviewChars = DefaultPreviewChars
	}

	switch mode := strings.ToLower(strings.TrimSpace(c.Storage.OutputMode)); mode {
	case "auto", "local", "remote", "uc_volume":
		c.Storage.OutputMode = mode
	default:
		c.Storage.OutputMode = DefaultOutputMode
	}
	c.Storage.VolumePath = NormalizeVolumePath(c.Storage.VolumePath)
	if strings.TrimSpace(c.Storage.LocalOutputDir) == "" {
		c.Storage.LocalOutputDir = DefaultLocalOutputDir
	}

	if strings.TrimSpace(c.Skills.Dir) == "" {
		c.Skills.Dir = DefaultSkillsDir
	}
	if !filepath.IsAbs(c.Skills.Dir) && c.Path != "" {
		c.Skills.Dir = filepath.Join(filepath.Dir(c.Path), c.Skills.Dir)
	}

	if c.LLM.TimeoutSecs <= 0 {
		c.LLM.TimeoutSecs = DefaultLLMTimeoutSecs
	}
	if c.LLM.MaxRetries < 0 {
		c.LLM.MaxRetries = 0
	}
	if c.Sandbox.BashMaxTimeoutSecs <= 0 {
		c.Sandbox.BashMaxTimeoutSecs = DefaultBashMaxTimeout
	}
	if c.Sandbox.BashTimeoutSecs <= 0 {
		c.Sandbox.BashTimeoutSecs = DefaultBashTimeoutSecs
	}
	if c.Sandbox.BashTimeoutSecs > c.Sandbox.BashMaxTimeoutSecs {
		c.Sandbox.BashTimeoutSecs = c.Sandbox.BashMaxTimeoutSecs
	}
	if c.Sandbox.TailBytes <= 0 {
		c.Sandbox.TailBytes = DefaultBashTailBytes
	}

	c.Checkpoint.Backend = strings.ToLower(strings.TrimSpace(c.Checkpoint.Backend))
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = DefaultCheckpoint
	}
	if c.Checkpoint.Capacity <= 0 {
		c.Checkpoint.Capacity = DefaultCheckpointThread
	}
	if c.Server.RateLimit < 0 {
		c.Server.RateLimit = 0
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		c.Server.RateBurst = c.Server.RateLimit
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// NormalizeVolumePath expands the catalog.schema.volume shorthand to
// /Volumes/catalog/schema/volume. Other values are returned cleaned.
func NormalizeVolumePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultVolumePath
	}
	if !strings.Contains(p, "/") {
		if parts := strings.Split(p, "."); len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "" {
			return "/Volumes/" + strings.Join(parts, "/")
		}
	}
	return strings.TrimRight(p, "/")
}

// LLMTimeout is the per-call model timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSecs) * time.Second
}

func (c *Config) BashTimeout() time.Duration {
	return time.Duration(c.Sandbox.BashTimeoutSecs) * time.Second
}

func (c *Config) BashMaxTimeout() time.Duration {
	return time.Duration(c.Sandbox.BashMaxTimeoutSecs) * time.Second
}
