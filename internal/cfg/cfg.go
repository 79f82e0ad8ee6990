package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds remedy-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	IngestRate            float64
	IngestBurst           int

	DatabaseURL string
	RulesFile   string
	RulesReload bool

	RunnerEndpoint       string
	RunnerToken          string
	RunnerTimeoutSeconds int

	Workers   int
	QueueSize int

	BreakerThreshold          int
	BreakerCooldownSeconds    int
	BreakerMaxCooldownSeconds int

	RateLimitDefaultMax           int
	RateLimitDefaultWindowSeconds int

	StuckThresholdSeconds int

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for execution approve/reject/cancel endpoints (empty = no auth)")
	fs.Float64Var(&c.IngestRate, "ingest-rate", 50, "sustained alert webhook requests per second accepted before shedding (0 = unlimited)")
	fs.IntVar(&c.IngestBurst, "ingest-burst", 100, "alert webhook burst size above the sustained rate")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML file with triggers and runbooks (empty = database or in-memory rules)")
	fs.BoolVar(&c.RulesReload, "rules-reload", true, "watch the rules file and reload on change")
	fs.StringVar(&c.RunnerEndpoint, "runner-endpoint", "", "HTTP endpoint of the runbook execution backend")
	fs.StringVar(&c.RunnerToken, "runner-token", "", "bearer token sent to the runbook execution backend")
	fs.IntVar(&c.RunnerTimeoutSeconds, "runner-timeout-seconds", 300, "per-execution runner timeout in seconds (1..3600)")
	fs.IntVar(&c.Workers, "workers", 4, "number of concurrent execution workers (1..64)")
	fs.IntVar(&c.QueueSize, "queue-size", 256, "pending execution queue capacity (1..10000)")
	fs.IntVar(&c.BreakerThreshold, "breaker-threshold", 3, "consecutive failures per scope before the circuit opens (>=1)")
	fs.IntVar(&c.BreakerCooldownSeconds, "breaker-cooldown-seconds", 300, "initial circuit cooldown in seconds (>=1)")
	fs.IntVar(&c.BreakerMaxCooldownSeconds, "breaker-max-cooldown-seconds", 3600, "cap on the doubled circuit cooldown in seconds")
	fs.IntVar(&c.RateLimitDefaultMax, "rate-limit-default-max", 10, "default executions per runbook per window (0 = unlimited)")
	fs.IntVar(&c.RateLimitDefaultWindowSeconds, "rate-limit-default-window-seconds", 3600, "default rate limit window in seconds (>=1)")
	fs.IntVar(&c.StuckThresholdSeconds, "stuck-threshold-seconds", 1800, "running executions older than this are reconciled as failed at startup (>=1)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for execution outcome notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.IngestRate < 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_RATE %g (must be >= 0)", c.IngestRate))
	}
	if c.IngestBurst < 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_BURST %d (must be >= 0)", c.IngestBurst))
	}

	// The runner endpoint is required; without it no runbook can execute
	if c.RunnerEndpoint == "" {
		errs = append(errs, errors.New("RUNNER_ENDPOINT is required"))
	}
	if c.RunnerTimeoutSeconds <= 0 || c.RunnerTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid RUNNER_TIMEOUT_SECONDS %d (must be 1..3600)", c.RunnerTimeoutSeconds))
	}

	if c.Workers <= 0 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..64)", c.Workers))
	}
	if c.QueueSize <= 0 || c.QueueSize > 10000 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_SIZE %d (must be 1..10000)", c.QueueSize))
	}

	if c.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_THRESHOLD %d (must be >= 1)", c.BreakerThreshold))
	}
	if c.BreakerCooldownSeconds < 1 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_COOLDOWN_SECONDS %d (must be >= 1)", c.BreakerCooldownSeconds))
	}
	if c.BreakerMaxCooldownSeconds < c.BreakerCooldownSeconds {
		errs = append(errs, fmt.Errorf("BREAKER_MAX_COOLDOWN_SECONDS %d must be >= BREAKER_COOLDOWN_SECONDS %d", c.BreakerMaxCooldownSeconds, c.BreakerCooldownSeconds))
	}

	if c.RateLimitDefaultMax < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_DEFAULT_MAX %d (must be >= 0)", c.RateLimitDefaultMax))
	}
	if c.RateLimitDefaultWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_DEFAULT_WINDOW_SECONDS %d (must be >= 1)", c.RateLimitDefaultWindowSeconds))
	}

	if c.StuckThresholdSeconds < 1 {
		errs = append(errs, fmt.Errorf("invalid STUCK_THRESHOLD_SECONDS %d (must be >= 1)", c.StuckThresholdSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
