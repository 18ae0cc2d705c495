// Package config loads the flowq configuration file (JSON, or YAML by
// extension), validates it and maps its sections onto queue, stream, bulk and
// logging settings. Manager.Watch republishes the file on change.
package config
