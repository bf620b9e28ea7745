package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration loading and lookup.
var (
	// ErrConfigNotFound indicates a configuration file does not exist.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates a configuration file failed to parse.
	ErrInvalidYAML = errors.New("invalid YAML")

	// ErrRoleNotFound indicates a role key is not in the registry.
	ErrRoleNotFound = errors.New("role not found")

	// ErrValidation indicates loaded configuration failed validation.
	ErrValidation = errors.New("configuration validation failed")
)

// ValidationError identifies the exact config item that failed validation.
type ValidationError struct {
	Kind  string // "role", "engine", "provider", ...
	Name  string // item name within the kind, may be empty
	Field string
	Err   error
}

// NewValidationError creates a ValidationError.
func NewValidationError(kind, name, field string, err error) *ValidationError {
	return &ValidationError{Kind: kind, Name: name, Field: field, Err: err}
}

func (e *ValidationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q field %q: %v", e.Kind, e.Name, e.Field, e.Err)
	}
	return fmt.Sprintf("%s field %q: %v", e.Kind, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// LoadError wraps a file-scoped loading failure.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
