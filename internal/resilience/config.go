package resilience

import "time"

// Circuit breaker configuration constants
const (
	// Default configuration
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3

	// Chapter API configuration: trips quickly so lookups fall through to
	// the generative backend instead of queueing behind a dead endpoint.
	ChapterAPIThreshold         = 3
	ChapterAPIResetTimeout      = 15 * time.Second
	ChapterAPIHalfOpenSuccesses = 2
)

// Config holds circuit breaker settings.
type Config struct {
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

// ChapterAPIConfig returns settings for the upstream chapter text endpoint.
func ChapterAPIConfig() Config {
	return Config{
		Threshold:         ChapterAPIThreshold,
		ResetTimeout:      ChapterAPIResetTimeout,
		HalfOpenSuccesses: ChapterAPIHalfOpenSuccesses,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}
