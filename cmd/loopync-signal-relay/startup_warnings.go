package main

import (
	"log/slog"
	"strings"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/config"
)

// turnRESTLongTTLSeconds is where leaked TURN credentials start to matter.
const turnRESTLongTTLSeconds = 24 * 60 * 60

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication (any client may claim any peer ID)",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeAPIKey && strings.TrimSpace(cfg.APIKey) == "" {
		logger.Warn("startup security warning: AUTH_MODE=api_key without API_KEY rejects every client",
			"warning_code", "api_key_unset",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTLSeconds > turnRESTLongTTLSeconds {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS is very long (leaked TURN credentials stay valid)",
			"warning_code", "turn_rest_ttl_long",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RedisAddr == "" {
		logger.Warn("startup warning: running without LOOPYNC_REDIS_ADDR in prod; peers on other relay instances are unreachable",
			"warning_code", "redis_fanout_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
