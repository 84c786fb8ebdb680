// Package config loads per-process configuration from environment variables,
// plus the optional YAML file the worker installer writes. The environment is
// the contract; the file is convenience for bare-metal worker installs.
package config
