package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}

	// Bucket limits must admit at least one action per period
	if c.Quota.LearningActionsLimit < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_LEARNING_ACTIONS_LIMIT must be positive, got %d", c.Quota.LearningActionsLimit))
	}
	if c.Quota.ExplanationsLimit < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_EXPLANATIONS_LIMIT must be positive, got %d", c.Quota.ExplanationsLimit))
	}
	if c.Quota.LectureUploadsLimit < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_LECTURE_UPLOADS_LIMIT must be positive, got %d", c.Quota.LectureUploadsLimit))
	}

	if c.Quota.MaxTxRetries < 1 || c.Quota.MaxTxRetries > 10 {
		errs = append(errs, fmt.Sprintf("QUOTA_MAX_TX_RETRIES must be 1–10, got %d", c.Quota.MaxTxRetries))
	}
	if c.Quota.LockTimeout < 100*time.Millisecond {
		errs = append(errs, fmt.Sprintf("QUOTA_LOCK_TIMEOUT must be at least 100ms, got %s", c.Quota.LockTimeout))
	}
	if c.Quota.StatementTimeout < c.Quota.LockTimeout {
		errs = append(errs, fmt.Sprintf("QUOTA_STATEMENT_TIMEOUT (%s) must not be shorter than QUOTA_LOCK_TIMEOUT (%s)",
			c.Quota.StatementTimeout, c.Quota.LockTimeout))
	}

	if c.Sweep.Interval < time.Minute {
		errs = append(errs, fmt.Sprintf("SWEEP_INTERVAL must be at least 1m, got %s", c.Sweep.Interval))
	}
	if c.Sweep.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("SWEEP_BATCH_SIZE must be positive, got %d", c.Sweep.BatchSize))
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
