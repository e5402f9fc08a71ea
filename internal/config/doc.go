// Package config handles configuration loading for richatz.
//
// # Configuration File
//
// The serve command looks for the config in this order:
//
//  1. Path from the RICHATZ_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/richatz/config.yaml (or ~/.config/richatz/config.yaml)
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment
//
// A .env file beside the config file, or in the working directory, is loaded
// before parsing. Variables already present in the environment win.
// Values can then reference the environment:
//
//	auth:
//	  jwt_secret: "${RICHATZ_JWT_SECRET}"
//	ai:
//	  api_key: "${GOOGLE_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	ai:
//	  timeout: "60s"
//	idempotency:
//	  ttl: "10m"
//
// # Sections
//
//	server:       http_addr
//	tailscale:    enabled, hostname, auth_key, state_dir, ephemeral
//	database:     driver (sqlite|postgres), path, dsn
//	auth:         jwt_secret, token_ttl, otp_ttl
//	ai:           api_key, base_url, model, timeout
//	weather:      api_key, base_url, default_location, timeout
//	search:       api_key, engine_id, base_url, timeout
//	assistant:    history_window, memory_window, placeholder_title,
//	              title_max_length, location_extraction, weather_keywords,
//	              search_prefixes, briefing_prompt, briefing_reply
//	mail:         host, port, username, password, from
//	idempotency:  ttl, max_entries
//	logging:      level, format
//	metrics:      enabled, path
//
// An empty ai.api_key is allowed: the server starts and answers every ask
// with the "AI not configured" message.
package config
