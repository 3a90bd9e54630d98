package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a logger tagged with app and node from the process
// logger configured by internal/logging.
func ComponentLogger(app, node string) zerolog.Logger {
	ctx := log.Logger.With().Str("app", app)
	if node != "" {
		ctx = ctx.Str("node", node)
	}
	return ctx.Logger()
}
