// Package config handles configuration loading for zaphub-gateway.
//
// Configuration is loaded from YAML files with environment variable
// expansion (${VAR_NAME}) and duration-string parsing. Every section
// has production defaults; only database.path is strictly required.
//
// Example:
//
//	server:
//	  http_addr: "0.0.0.0:3000"
//	  api_key: "${ZAPHUB_API_KEY}"
//
//	database:
//	  path: "/var/lib/zaphub/gateway.db"
//
//	redis:
//	  addr: "localhost:6379"
//
//	queue:
//	  max_attempts: 5
//	  backoff_delay: "2s"
//
//	session:
//	  max_concurrent: 100
//	  max_retries: 5
//	  reconnect_base_delay: "5s"
//	  qr_ttl: "60s"
//
//	webhook:
//	  timeout: "10s"
//	  retry_attempts: 3
//	  retry_delay: "2s"
//
//	media:
//	  storage: "local"   # or "supabase"
//	  local:
//	    base_path: "storage/media"
package config
