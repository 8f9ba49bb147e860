// Package config loads the motionsync configuration from JSON or YAML and
// keeps it current while the process runs.
//
// Decoding is strict: unknown keys and trailing data are errors, so a typo
// in a hot-reloaded file is rejected instead of silently ignored. A rejected
// reload leaves the previous config in place.
package config
