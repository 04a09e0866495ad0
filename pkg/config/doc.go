// Package config loads and validates the portcullis configuration.
//
// Configuration comes from a YAML file, with defaults applied for
// anything unset and PORTCULLIS_* environment variables taking
// precedence over file values. A Watcher can reload the file on change
// so operational settings adjust without a restart.
package config
