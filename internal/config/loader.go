package config

import "fmt"

// dotEnvFiles are read in order in dev builds. A variable already set, by the
// environment or an earlier file, is never overridden.
var dotEnvFiles = []string{".env.local", ".env"}

func LoadFromEnv() (Config, error) {
	if err := loadDotEnv(dotEnvFiles...); err != nil {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	return Load(FromEnviron())
}
