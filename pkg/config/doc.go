// Package config holds the broker configuration. Values start from
// Default, are overlaid by an optional YAML file and finally by command
// line flags.
package config
