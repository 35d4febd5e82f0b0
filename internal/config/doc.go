// Package config provides configuration structures and utilities for torfetch.
//
// Configuration is layered. Built-in defaults come first, then the YAML
// configuration file, then TORFETCH_* environment variables (optionally
// from a .env file), and finally command-line flags, which the cmd package
// applies last.
package config
