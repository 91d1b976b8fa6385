package config

import (
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TRIAGE_"

// KeyToEnvVar converts a config key to its environment variable name.
// e.g., "metrics_file" -> "TRIAGE_METRICS_FILE"
func KeyToEnvVar(key string) string {
	if key == "" {
		return ""
	}
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyEnv overlays TRIAGE_* variables on cfg and collects every value
// that does not parse.
func applyEnv(cfg *Config, env map[string]string) []ValidationError {
	var errs []ValidationError

	str := func(key string, dst *string) {
		if v, ok := env[KeyToEnvVar(key)]; ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := env[KeyToEnvVar(key)]
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, ValidationError{Key: key, EnvVar: KeyToEnvVar(key), Value: v, Message: "not an integer"})
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := env[KeyToEnvVar(key)]
		if !ok {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, ValidationError{Key: key, EnvVar: KeyToEnvVar(key), Value: v, Message: "not a duration"})
			return
		}
		*dst = d
	}

	str("snapshot", &cfg.Snapshot)
	num("limit", &cfg.Limit)
	num("jobs", &cfg.Jobs)
	dur("timeout", &cfg.Timeout)
	dur("dial_timeout", &cfg.DialTimeout)
	str("metrics_file", &cfg.MetricsFile)
	str("log_level", &cfg.LogLevel)
	str("log_format", &cfg.LogFormat)
	str("listen", &cfg.Listen)

	return errs
}

// parseEnviron converts an environ slice (["KEY=VALUE", ...]) into a map.
// Values may contain "=".
func parseEnviron(environ []string) map[string]string {
	result := make(map[string]string)
	for _, entry := range environ {
		idx := strings.Index(entry, "=")
		if idx == -1 {
			continue
		}
		result[entry[:idx]] = entry[idx+1:]
	}
	return result
}
