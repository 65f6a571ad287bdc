// Package config loads the IRIS configuration in layers: built-in
// defaults, then files in the order they were added, then environment
// variables prefixed with IRIS_. Command-line flags are bound on top of
// the loaded value by cmd/iris.
//
// Files ending in .yaml or .yml are read as YAML; anything else is JSON,
// with comments and trailing commas tolerated. Each file is checked
// against a JSON schema before it is merged, so a misspelled key is an
// error rather than a silently ignored setting.
//
// Durations in files use Go duration strings ("2s", "500ms") or whole
// days ("1d"). Environment overrides follow the section layout:
//
//	IRIS_SERVER_ADDR=:9090
//	IRIS_KERNEL_SOCKET_PATH=/run/iris/kernel.sock
//	IRIS_DISTRIBUTOR_QUEUE_SIZE=512
//	IRIS_NATS_ENABLED=true
//	IRIS_ENGINE_PROCESSOR=console
//
// Load validates the result unless validation was disabled; every
// validation failure is classified invalid and wraps
// errors.ErrInvalidConfig or errors.ErrMissingConfig.
package config
