// Package config loads typed configuration from environment variables.
//
// Structs declare their variables with caarlos0/env tags. A .env file in the
// working directory is read once, before the first load, and never overrides
// variables already present in the process environment. Types implementing
// Validator are checked after parsing so cross-field rules fail at startup.
//
//	type Config struct {
//		DatabaseURL string `env:"DATABASE_URL,required"`
//	}
//
//	var cfg Config
//	if err := config.Load(&cfg); err != nil { ... }
package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrNilPointer    = errors.New("config: nil pointer passed to load")
	ErrParsingConfig = errors.New("config: failed to parse environment variables")
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Validator is implemented by configs with rules env tags cannot express.
type Validator interface {
	Validate() error
}

var dotenvOnce sync.Once

// Load fills v from the process environment.
func Load[T any](v *T) error {
	dotenvOnce.Do(func() {
		// A missing .env file is the normal case outside local development.
		_ = godotenv.Load()
	})
	return parse(v, env.Options{})
}

// LoadFrom fills v from vars only, ignoring the process environment.
func LoadFrom[T any](v *T, vars map[string]string) error {
	return parse(v, env.Options{Environment: vars})
}

// MustLoad is Load that panics on error.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

func parse[T any](v *T, opts env.Options) error {
	if v == nil {
		return ErrNilPointer
	}
	if err := env.ParseWithOptions(v, opts); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	if val, ok := any(v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return errors.Join(ErrInvalidConfig, err)
		}
	}
	return nil
}
