package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	return validate(cfg, true)
}

// ValidateStandalone checks the configuration of a process that may run
// without a database. DATABASE_URL is optional; every other rule applies.
func ValidateStandalone(cfg Config) error {
	return validate(cfg, false)
}

func validate(cfg Config, requireDatabase bool) error {
	var errs ValidationErrors

	if requireDatabase && cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	durations := []struct {
		field string
		value string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr},
		{"DB_CONN_MAX_IDLE_TIME", cfg.DBConnMaxIdleTimeStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"DISPATCHER_DRAIN_TIMEOUT", cfg.DispatcherDrainTimeoutStr},
		{"RUN_TIMEOUT", cfg.RunTimeoutStr},
		{"RECONCILE_INTERVAL", cfg.ReconcileIntervalStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
		{"NAVIGATION_TIMEOUT", cfg.NavigationTimeoutStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if err := validatePositiveDuration(d.value); err != nil {
			errs = append(errs, ValidationError{Field: d.field, Message: err.Error()})
		}
	}

	switch cfg.StorageBackend {
	case "", StorageFS:
	case StorageAzBlob:
		if cfg.AzureConnectionString == "" {
			errs = append(errs, ValidationError{
				Field:   "AZURE_STORAGE_CONNECTION_STRING",
				Message: "required when STORAGE_BACKEND is 'azblob'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "STORAGE_BACKEND",
			Message: fmt.Sprintf("must be 'fs' or 'azblob', got %q", cfg.StorageBackend),
		})
	}

	if cfg.DiffPixelThreshold < 0 || cfg.DiffPixelThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "DIFF_PIXEL_THRESHOLD",
			Message: fmt.Sprintf("must be between 0 and 1, got %v", cfg.DiffPixelThreshold),
		})
	}

	if cfg.RunNowRate <= 0 {
		errs = append(errs, ValidationError{
			Field:   "RUN_NOW_RATE",
			Message: "must be positive",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePositiveDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %v", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}
