// Package config loads pre-normalisation configuration from environment
// variables and an optional file, via Viper. It hands the resulting Raw
// policy to policy.Normalize; this package never clamps anything itself.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/vaultkeep/vaultkeep/internal/policy"
)

// Config holds everything vaultkeepd needs at startup, beyond the policy
// itself.
type Config struct {
	LogLevel          string
	LogPretty         bool
	DiagnosticsAddr   string
	DatabaseDSN       string
	WorkerBinEnv      string
	IdleSweepCron     string
	Policy            policy.Raw
}

// Load reads configuration from environment variables (prefix VAULTKEEP_)
// and, if present, an optional config file at path. An empty path skips
// the file and relies on environment + defaults alone.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("vaultkeep")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("diagnostics_addr", ":4590")
	v.SetDefault("database_dsn", "")
	v.SetDefault("worker_bin_env", "VAULTKEEP_PLUGIN_WORKER_BIN")
	v.SetDefault("idle_sweep_cron", "@every 1m")

	v.SetDefault("policy.allowed_capabilities", []string{})
	v.SetDefault("policy.max_failed_activations", 0)
	v.SetDefault("policy.activation_timeout_millis", 0)
	v.SetDefault("policy.runtime_mode", string(policy.ModeProcess))
	v.SetDefault("policy.session_ping_timeout_millis", 0)
	v.SetDefault("policy.max_keep_alive_sessions", 0)
	v.SetDefault("policy.session_idle_ttl_millis", 0)
	v.SetDefault("policy.supported_protocol_versions", []int{})
	v.SetDefault("policy.keep_alive_session", true)
	v.SetDefault("policy.count_cancelled_as_failure", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	versions := v.GetIntSlice("policy.supported_protocol_versions")
	supported := make([]uint32, len(versions))
	for i, ver := range versions {
		supported[i] = uint32(ver)
	}

	countCancelled := v.GetBool("policy.count_cancelled_as_failure")

	cfg := Config{
		LogLevel:        v.GetString("log_level"),
		LogPretty:       v.GetBool("log_pretty"),
		DiagnosticsAddr: v.GetString("diagnostics_addr"),
		DatabaseDSN:     v.GetString("database_dsn"),
		WorkerBinEnv:    v.GetString("worker_bin_env"),
		IdleSweepCron:   v.GetString("idle_sweep_cron"),
		Policy: policy.Raw{
			AllowedCapabilities:       v.GetStringSlice("policy.allowed_capabilities"),
			MaxFailedActivations:      v.GetInt("policy.max_failed_activations"),
			ActivationTimeoutMillis:   v.GetInt64("policy.activation_timeout_millis"),
			RuntimeMode:               policy.RuntimeMode(v.GetString("policy.runtime_mode")),
			SessionPingTimeoutMillis:  v.GetInt64("policy.session_ping_timeout_millis"),
			MaxKeepAliveSessions:      v.GetInt("policy.max_keep_alive_sessions"),
			SessionIdleTTLMillis:      v.GetInt64("policy.session_idle_ttl_millis"),
			SupportedProtocolVersions: supported,
			KeepAliveSession:          v.GetBool("policy.keep_alive_session"),
			CountCancelledAsFailure:   &countCancelled,
		},
	}
	return cfg, nil
}
