package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// Validate checks the fields required for the application to start,
// using go-playground/validator struct tags rather than hand-rolled
// field checks; it does not attempt to connect to Postgres/Redis/the
// event bus, only that the configuration is internally consistent
// (required fields set, enum-like fields such as event_bus.driver or
// alert.channel recognized).
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
