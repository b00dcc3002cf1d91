package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RelayLogger derives a component logger from the global logger so every
// line from one relay instance carries its id and domain.
func RelayLogger(relayID, domain string) zerolog.Logger {
	return log.Logger.With().
		Str("relay_id", relayID).
		Str("domain", domain).
		Logger()
}
