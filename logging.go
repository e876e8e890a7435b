package pinmark

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// component derives a logger tagged with a component identifier. A nil base
// falls back to the global zerolog logger.
func component(base *zerolog.Logger, name string) zerolog.Logger {
	if base == nil {
		return log.With().Str("cmp", name).Logger()
	}
	return base.With().Str("cmp", name).Logger()
}
