// Package config loads the gateway process configuration.
//
// Values come from environment variables (decoded with envdecode) and are
// then overridden by an optional YAML file:
//
//	host: 127.0.0.1
//	port: 8931
//	path: /mcp
//	allowed_origins:
//	  - https://app.example
//	keepalive: 30s
//	log:
//	  level: info
//	  format: json
//	sessions:
//	  host: redis
//	  redis_addr: ${REDIS_ADDR}
//
// Watch follows the file and hands each valid revision to a callback; the
// gateway uses it to swap its origin allow-list without a restart.
package config
