// Package wfdlog is the control-plane event logger for the RTSP
// negotiation layer. It uses zerolog directly, in contrast to the
// slog-based pkg/logger used by the netsession/CLI layers, so that the
// high-volume M1-M16 exchange and per-session state transitions get
// a chained, zero-alloc-on-the-happy-path logger of their own.
package wfdlog

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds the base control-plane logger, writing JSON to stdout,
// and sets zerolog's global level to level.
func New(level zerolog.Level) zerolog.Logger {
	zerolog.SetGlobalLevel(level)
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// ForSession returns a child logger scoped to one negotiation
// session, the zerolog analogue of pkg/logger's slog.With(...).
func ForSession(base zerolog.Logger, sessionID int32) zerolog.Logger {
	return base.With().Int32("session_id", sessionID).Logger()
}

// ForTrigger returns a child logger scoped to one M1-M16 trigger
// exchange, used for the handful of log lines emitted per RTSP round trip.
func ForTrigger(base zerolog.Logger, cseq int, method string) zerolog.Logger {
	return base.With().Int("cseq", cseq).Str("method", method).Logger()
}
