// Package audit журнал compliance событий консультаций: переходы жизненного
// цикла, решения проверки безопасности и уровень качества на момент перехода.
// Журнал только дополняется.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/quality"
)

// Trigger что вызвало переход
type Trigger string

const (
	TriggerStartRequest   Trigger = "start_request"
	TriggerSecurityCheck  Trigger = "security_check"
	TriggerConnected      Trigger = "transport_connected"
	TriggerConnectFailed  Trigger = "transport_connect_failed"
	TriggerStartTimeout   Trigger = "start_timeout"
	TriggerQualityChange  Trigger = "quality_change"
	TriggerStatsLost      Trigger = "stats_lost"
	TriggerDisconnected   Trigger = "transport_disconnected"
	TriggerEncryptionLost Trigger = "encryption_lost"
	TriggerCompliance     Trigger = "compliance_check"
	TriggerRecovered      Trigger = "recovery_succeeded"
	TriggerExhausted      Trigger = "recovery_exhausted"
	TriggerEndRequest     Trigger = "end_request"
	TriggerShutdown       Trigger = "shutdown"
)

// Entry одна запись журнала
type Entry struct {
	ID             string             `json:"id"`
	ConsultationID string             `json:"consultation_id"`
	PriorState     consultation.State `json:"prior_state"`
	NewState       consultation.State `json:"new_state"`
	Trigger        Trigger            `json:"trigger"`
	Reason         consultation.Code  `json:"reason,omitempty"`
	Decision       string             `json:"security_decision,omitempty"`
	Quality        *quality.Level     `json:"quality,omitempty"`
	At             time.Time          `json:"at"`
}

// NewEntry создает запись с новым идентификатором
func NewEntry(consultationID string, prior, next consultation.State, trigger Trigger) Entry {
	return Entry{
		ID:             uuid.New().String(),
		ConsultationID: consultationID,
		PriorState:     prior,
		NewState:       next,
		Trigger:        trigger,
		At:             time.Now().UTC(),
	}
}

// WithQuality прикладывает уровень качества, если он известен
func (e Entry) WithQuality(level quality.Level) Entry {
	if level != quality.LevelUnknown {
		e.Quality = &level
	}
	return e
}

// IsTransition true, если запись описывает смену состояния
func (e Entry) IsTransition() bool {
	return e.PriorState != e.NewState
}

// Sink приемник записей журнала. Реализации должны быть безопасны для
// параллельного использования и соблюдать отмену ctx.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(ctx context.Context, e Entry) error

// Append реализует Sink
func (f SinkFunc) Append(ctx context.Context, e Entry) error {
	return f(ctx, e)
}
