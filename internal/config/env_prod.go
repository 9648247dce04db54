//go:build !dev

package config

// Release builds take their configuration from the process environment only.
func loadDotEnv(...string) error { return nil }
