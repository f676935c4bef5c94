// Package config loads and validates the zap-gateway YAML configuration,
// expanding ${ENV_VAR} references and parsing duration strings.
package config
