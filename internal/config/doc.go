// Package config handles configuration loading for coach-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	provider:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	limits:
//	  session_ttl: "24h"
//	  sweep_interval: "1h"
//	  base_delay: "2s"
//	  max_delay: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: ":8080"
//
//	provider:
//	  kind: "anthropic"          # or "openai"
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  model: ""                  # provider default when empty
//	  base_url: ""               # openai-compatible endpoints only
//	  max_tokens: 2048
//
//	limits:
//	  max_concurrent: 10
//	  max_rounds: 5
//	  max_attempts: 3
//
//	prompts:
//	  path: ""                   # optional TOML prompt override file
//
//	logging:
//	  level: "info"              # debug, info, warn, error
//	  format: "text"             # text or json
package config
