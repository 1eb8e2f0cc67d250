package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink пишет записи в структурированный лог
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink создает журнал поверх логгера
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Append реализует Sink
func (s *LogSink) Append(ctx context.Context, e Entry) error {
	ev := s.logger.Info().
		Str("audit_id", e.ID).
		Str("consultation_id", e.ConsultationID).
		Stringer("prior_state", e.PriorState).
		Stringer("new_state", e.NewState).
		Str("trigger", string(e.Trigger)).
		Time("at", e.At)
	if e.Reason.Valid() {
		ev = ev.Str("reason", string(e.Reason))
	}
	if e.Decision != "" {
		ev = ev.Str("security_decision", e.Decision)
	}
	if e.Quality != nil {
		ev = ev.Stringer("quality", *e.Quality)
	}
	ev.Msg("audit")
	return nil
}
