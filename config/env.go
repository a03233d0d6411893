package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type lookupFunc func(string) (string, bool)

// applyEnv overrides c with the AGENT_* variables that are set. Empty
// values count as unset.
func (c *Config) applyEnv(lookup lookupFunc) error {
	get := func(names ...string) (string, bool) {
		for _, n := range names {
			if v, ok := lookup(n); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}
	str := func(dst *string, names ...string) {
		if v, ok := get(names...); ok {
			*dst = v
		}
	}

	str(&c.LLM.Model, "AGENT_MODEL_ENDPOINT", "SERVING_ENDPOINT_NAME")
	str(&c.LLM.Provider, "AGENT_PROVIDER")
	str(&c.LLM.APIKey, "AGENT_API_KEY")
	str(&c.Storage.VolumePath, "AGENT_UC_VOLUME_PATH", "AGENT_VOLUME_PATH", "UC_VOLUME_PATH")
	str(&c.Storage.LocalOutputDir, "AGENT_LOCAL_OUTPUT_DIR")
	str(&c.Storage.OutputMode, "AGENT_OUTPUT_MODE")
	str(&c.Storage.S3.Bucket, "AGENT_S3_BUCKET")
	str(&c.Storage.S3.Prefix, "AGENT_S3_PREFIX")
	str(&c.Storage.S3.Region, "AGENT_S3_REGION")
	str(&c.Storage.S3.Endpoint, "AGENT_S3_ENDPOINT")
	str(&c.Skills.Dir, "AGENT_SKILLS_DIR", "SKILLS_DIR")
	str(&c.Agent.SessionID, "AGENT_SESSION_ID")
	str(&c.Checkpoint.Backend, "AGENT_CHECKPOINT_BACKEND")
	str(&c.Checkpoint.DSN, "AGENT_CHECKPOINT_DSN")
	str(&c.Server.Listen, "AGENT_LISTEN_ADDR")
	str(&c.Telemetry.Endpoint, "AGENT_OTLP_ENDPOINT")

	if v, ok := get("AGENT_MAX_ITERATIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENT_MAX_ITERATIONS: %q is not an integer", v)
		}
		c.Agent.MaxIterations = n
	}
	if v, ok := get("AGENT_LLM_TIMEOUT"); ok {
		secs, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("AGENT_LLM_TIMEOUT: %w", err)
		}
		c.LLM.TimeoutSecs = secs
	}
	if v, ok := get("AGENT_BASH_TIMEOUT"); ok {
		secs, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("AGENT_BASH_TIMEOUT: %w", err)
		}
		c.Sandbox.BashTimeoutSecs = secs
	}
	return nil
}

// parseSeconds accepts a bare number of seconds or a Go duration string.
func parseSeconds(v string) (int, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return int(n), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", v)
	}
	return int(d / time.Second), nil
}
