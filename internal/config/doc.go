// Package config loads, validates, and normalizes daemon configuration from
// TOML files. Missing values fall back to repository defaults so a partial
// config file is always usable.
package config
