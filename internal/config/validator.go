package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers agentguard validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateAuditOutput accepts "stdout", "file://<absolute-dir>" and
// "sqlite://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" {
		return true
	}
	for _, scheme := range []string{"file://", "sqlite://"} {
		if path, ok := strings.CutPrefix(output, scheme); ok {
			return path != "" && filepath.IsAbs(path)
		}
	}
	return false
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateApprovalStore()
}

// validateApprovalStore requires a path for durable stores.
func (c *Config) validateApprovalStore() error {
	switch c.Approvals.Store {
	case StoreFile, StoreSQLite:
		if c.Approvals.Path == "" {
			return fmt.Errorf("approvals.path is required for store %q", c.Approvals.Store)
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "duration":
		return fmt.Sprintf("%s must be a duration such as \"500ms\" or \"1s\"", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'file://<absolute-dir>' or 'sqlite://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
