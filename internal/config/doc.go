// Package config provides 12-factor configuration for the egress daemon.
//
// Daemon settings are loaded from EGRESS_-prefixed environment variables with
// sensible defaults. Per-service resilience settings come from a YAML file
// and are deliberately default-free: every limit must be an explicit
// operational decision, and a service definition missing one is rejected.
//
// Configuration Sections:
//   - Server: HTTP gateway settings (port, host)
//   - Logging: Log level and output format
//   - Storage: Fallback store directory
//   - ServicesFile: Path to the per-service YAML definition
//
// Example Usage:
//
//	cfg, err := config.Load()
//	services, err := config.LoadServices(cfg.ServicesFile)
//
// Environment Variables:
//   - EGRESS_PORT, EGRESS_HOST
//   - EGRESS_LOG_LEVEL, EGRESS_LOG_DEV
//   - EGRESS_FALLBACK_DIR, EGRESS_SERVICES_FILE
package config
