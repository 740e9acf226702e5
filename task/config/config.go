// Package config holds Core's functional-options configuration surface
// (spec §6 "Configuration options").
package config

import (
	"os"
	"time"
)

// Options is Core's configuration, built via Option functions.
type Options struct {
	EnableRealTimeUpdates    bool
	EnableProgressTracking   bool
	EnableTaskStatistics     bool
	EnableTaskHistory        bool
	MaxTaskHistory           int
	ProgressUpdateInterval   time.Duration
	EnableActionVerification bool
	ActionVerificationTimeout time.Duration
	StrictConvertEligibility bool
	// StrictFinalize controls I1 escalation (spec §6 "strict_finalize
	// (env-driven; controls I1 escalation)"). Defaults from the
	// TASKCORE_STRICT_FINALIZE environment variable when not set explicitly.
	StrictFinalize bool
}

// Option mutates Options during construction.
type Option func(*Options)

// Default returns the spec's documented defaults (spec §6 "Configuration
// options"): enableRealTimeUpdates=true, enableProgressTracking=true,
// enableTaskStatistics=true, enableTaskHistory=true, maxTaskHistory=1000,
// progressUpdateInterval=5000ms, enableActionVerification=true,
// actionVerificationTimeout=10000ms, strictConvertEligibility=false,
// strict_finalize env-driven.
func Default() Options {
	return Options{
		EnableRealTimeUpdates:      true,
		EnableProgressTracking:     true,
		EnableTaskStatistics:       true,
		EnableTaskHistory:          true,
		MaxTaskHistory:             1000,
		ProgressUpdateInterval:     5000 * time.Millisecond,
		EnableActionVerification:   true,
		ActionVerificationTimeout:  10000 * time.Millisecond,
		StrictConvertEligibility:   false,
		StrictFinalize:             strictFinalizeFromEnv(),
	}
}

func strictFinalizeFromEnv() bool {
	v := os.Getenv("TASKCORE_STRICT_FINALIZE")
	return v == "1" || v == "true" || v == "TRUE"
}

// New builds Options starting from Default and applying opts in order.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRealTimeUpdates toggles the real-time update event stream.
func WithRealTimeUpdates(enabled bool) Option {
	return func(o *Options) { o.EnableRealTimeUpdates = enabled }
}

// WithProgressTracking toggles progress-index bookkeeping.
func WithProgressTracking(enabled bool) Option {
	return func(o *Options) { o.EnableProgressTracking = enabled }
}

// WithTaskStatistics toggles getTaskStatistics availability.
func WithTaskStatistics(enabled bool) Option {
	return func(o *Options) { o.EnableTaskStatistics = enabled }
}

// WithTaskHistory toggles the bounded history ring.
func WithTaskHistory(enabled bool, maxHistory int) Option {
	return func(o *Options) {
		o.EnableTaskHistory = enabled
		if maxHistory > 0 {
			o.MaxTaskHistory = maxHistory
		}
	}
}

// WithProgressUpdateInterval overrides the progress tracking tick interval.
func WithProgressUpdateInterval(d time.Duration) Option {
	return func(o *Options) { o.ProgressUpdateInterval = d }
}

// WithActionVerification toggles StepVerifier and its timeout.
func WithActionVerification(enabled bool, timeout time.Duration) Option {
	return func(o *Options) {
		o.EnableActionVerification = enabled
		if timeout > 0 {
			o.ActionVerificationTimeout = timeout
		}
	}
}

// WithStrictConvertEligibility toggles the thought converter's strict mode.
func WithStrictConvertEligibility(strict bool) Option {
	return func(o *Options) { o.StrictConvertEligibility = strict }
}

// WithStrictFinalize overrides the environment-derived strict_finalize flag.
func WithStrictFinalize(strict bool) Option {
	return func(o *Options) { o.StrictFinalize = strict }
}
