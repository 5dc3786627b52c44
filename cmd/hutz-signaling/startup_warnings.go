package main

import (
	"log/slog"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProduction && cfg.APIKey == "" {
		logger.Warn("startup security warning: HUTZ_API_KEY is unset while --mode=production (anyone can open signaling connections)",
			"warning_code", "api_key_unset_in_production",
			"mode", cfg.Mode,
		)
	}

	if cfg.TurnREST.Enabled() && len(cfg.ICE.RelayOnlyList()) == 0 && len(cfg.TurnREST.URLs) == 0 {
		logger.Warn("startup security warning: TURN REST secret configured but no TURN URLs; relay-only clients will get no usable servers",
			"warning_code", "turn_rest_without_turn_urls",
			"mode", cfg.Mode,
		)
	}

	if w := cfg.ICE.Warning; w != "" {
		logger.Warn("ice configuration fell back to defaults",
			"warning_code", "ice_config_invalid",
			"detail", w,
		)
	}

	if cfg.Mode == config.ModeProduction && !cfg.Redis.Enabled() {
		// The in-memory fallback store loses queued messages on restart.
		logger.Warn("startup warning: running production mode with the in-memory fallback store",
			"warning_code", "memory_fallback_store_in_production",
			"mode", cfg.Mode,
		)
	}
}

func containsString(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}
