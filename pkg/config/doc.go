// Package config provides daemon configuration from environment variables.
//
// # Overview
//
// LoadConfig reads an optional .env file, then CLOUDCRAVER_ variables, with
// defaults for every setting, and validates the result.
//
// # Configuration Structure
//
// Server settings:
//
//	CLOUDCRAVER_HOST="0.0.0.0"
//	CLOUDCRAVER_PORT="8080"
//	CLOUDCRAVER_HEALTH_PORT="9090"
//
// Plugin settings:
//
//	CLOUDCRAVER_DATA_DIR="$HOME/.cloudcraver"
//	CLOUDCRAVER_INSTALL_DIR="$HOME/.cloudcraver/plugins"
//	CLOUDCRAVER_PLUGINS_EXTRA_PATHS="/opt/plugins,/srv/plugins"
//	CLOUDCRAVER_VALIDATOR_STRICT="false"
//	CLOUDCRAVER_SANDBOX_ENABLED="true"
//	CLOUDCRAVER_SANDBOX_TIMEOUT="30s"
//	CLOUDCRAVER_LOADER_ISOLATION="true"
//	CLOUDCRAVER_REGISTRY_JOURNAL_DRIVER="sqlite3"  # sqlite3, postgres
//	CLOUDCRAVER_REGISTRY_JOURNAL_DSN="file:journal.db"
//
// Marketplace settings:
//
//	CLOUDCRAVER_MARKETPLACE_REPOSITORIES="https://plugins.cloudcraver.io/api/v1"
//	CLOUDCRAVER_MARKETPLACE_S3_REPOSITORIES="my-bucket/catalog"
//	CLOUDCRAVER_MARKETPLACE_API_KEYS="plugins.cloudcraver.io=KEY"
//	CLOUDCRAVER_MARKETPLACE_CACHE="memory"  # memory, redis
//	CLOUDCRAVER_REDIS_URL="redis://localhost:6379/0"
//	CLOUDCRAVER_UPDATE_SCHEDULE="0 */6 * * *"
//
// Observability settings:
//
//	CLOUDCRAVER_LOG_LEVEL="info"  # debug, info, warn, error
//	CLOUDCRAVER_LOG_FORMAT="json"  # json, text
//	CLOUDCRAVER_METRICS_ENABLED="true"
//	CLOUDCRAVER_OTEL_ENABLED="true"
//	CLOUDCRAVER_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Installing plugins into %s\n", cfg.Loader.InstallDir)
package config
