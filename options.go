package pinmark

import (
	"fmt"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
)

// Engine defaults.
const (
	DefaultGraceWindow            = 5 * time.Second
	DefaultDedupCapacity          = 100
	DefaultTombstoneCapacity      = 1000
	DefaultParentPollInterval     = 200 * time.Millisecond
	DefaultParentPollTimeout      = 5 * time.Second
	DefaultTransportErrorCooldown = 30 * time.Second
)

// Options configures an Engine. The zero value is usable.
type Options struct {
	// Dispatcher is the background retry context. Nil means every mutation
	// is submitted directly and rolled back on failure.
	Dispatcher RetryDispatcher
	// Completions delivers background outcomes. Defaults to Dispatcher when
	// it implements CompletionSource.
	Completions CompletionSource
	// Events is the realtime transport. Nil disables live reconciliation.
	Events EventSource

	// Viewport scopes refreshes to a single viewport tag.
	Viewport string

	GraceWindow            time.Duration
	DedupCapacity          int
	TombstoneCapacity      int
	ParentPollInterval     time.Duration
	ParentPollTimeout      time.Duration
	TransportErrorCooldown time.Duration

	Logger *zerolog.Logger
	// Clock overrides time.Now, mostly for tests.
	Clock func() time.Time
}

func (o *Options) defaults() {
	if o.GraceWindow == 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.DedupCapacity == 0 {
		o.DedupCapacity = DefaultDedupCapacity
	}
	if o.TombstoneCapacity == 0 {
		o.TombstoneCapacity = DefaultTombstoneCapacity
	}
	if o.ParentPollInterval == 0 {
		o.ParentPollInterval = DefaultParentPollInterval
	}
	if o.ParentPollTimeout == 0 {
		o.ParentPollTimeout = DefaultParentPollTimeout
	}
	if o.TransportErrorCooldown == 0 {
		o.TransportErrorCooldown = DefaultTransportErrorCooldown
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Completions == nil {
		if src, ok := o.Dispatcher.(CompletionSource); ok {
			o.Completions = src
		}
	}
}

// Validate checks option values after defaults are applied.
func (o *Options) Validate() error {
	var errs criterio.FieldErrorsBuilder

	durations := []struct {
		field string
		value time.Duration
	}{
		{"grace_window", o.GraceWindow},
		{"parent_poll_interval", o.ParentPollInterval},
		{"parent_poll_timeout", o.ParentPollTimeout},
		{"transport_error_cooldown", o.TransportErrorCooldown},
	}
	for _, d := range durations {
		if d.value < 0 {
			errs = errs.Append(d.field, fmt.Errorf("must not be negative, got %s", d.value))
		}
	}

	if o.DedupCapacity < 0 {
		errs = errs.Append("dedup_capacity", fmt.Errorf("must not be negative, got %d", o.DedupCapacity))
	}
	if o.TombstoneCapacity < 0 {
		errs = errs.Append("tombstone_capacity", fmt.Errorf("must not be negative, got %d", o.TombstoneCapacity))
	}
	if o.ParentPollInterval > 0 && o.ParentPollTimeout > 0 && o.ParentPollInterval > o.ParentPollTimeout {
		errs = errs.Append("parent_poll_interval", fmt.Errorf("exceeds parent_poll_timeout (%s)", o.ParentPollTimeout))
	}

	return errs.ToError()
}

func requiredID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("is required")
	}
	return nil
}
