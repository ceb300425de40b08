// internal/config/validator.go
//
// Thin wrapper around go-playground/validator.
//
// Context
// -------
// `Load` calls `validateStruct` immediately after it unmarshals the merged
// Koanf tree.  Any tag mismatch or validation error aborts startup, so the
// binary never runs with partial or malformed configuration.  Rules that
// span sections (SQL uniqueness needs a DSN) are checked by hand after the
// tag pass.

package config

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

//
// validator instance (package-level singleton)
//

var v = validator.New()

//
// public API
//

// validateStruct returns the first validation error, or nil on success.
func validateStruct(c *Config) error {
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.Backend.UniqueVia == "sql" && c.Database.DSN == "" {
		return errors.New("config: backend.unique_via=sql requires database.dsn")
	}
	return nil
}
