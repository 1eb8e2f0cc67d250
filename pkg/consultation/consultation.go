// Package consultation описывает модель одного визита пациента к врачу,
// которой владеет менеджер сеансов на время звонка.
//
// Консультация создается внешним планировщиком до вызова ядра и архивируется
// им же после завершения. Ядро консультации не сохраняет.
package consultation

import (
	"errors"
	"time"
)

// ErrFrozen возвращается при попытке изменить завершенную консультацию
var ErrFrozen = errors.New("консультация завершена, изменения запрещены")

// Violation запись о нарушении compliance политики
type Violation struct {
	Code   Code      `json:"code"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ComplianceMetadata метаданные соответствия политике безопасности
type ComplianceMetadata struct {
	EncryptionProtocol  string      `json:"encryption_protocol,omitempty"`
	LastComplianceCheck time.Time   `json:"last_compliance_check"`
	Violations          []Violation `json:"violations,omitempty"`
}

// Consultation один запланированный или активный визит
type Consultation struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patient_id"`
	ProviderID     string    `json:"provider_id"`
	ScheduledStart time.Time `json:"scheduled_start"`

	// ActualStart устанавливается один раз при первом входе в InProgress
	ActualStart *time.Time `json:"actual_start,omitempty"`
	// EndTime устанавливается один раз при входе в терминальное состояние
	EndTime *time.Time `json:"end_time,omitempty"`

	State      State              `json:"state"`
	Compliance ComplianceMetadata `json:"compliance"`
}

// New создает консультацию в начальном состоянии
func New(id, patientID, providerID string, scheduled time.Time) *Consultation {
	return &Consultation{
		ID:             id,
		PatientID:      patientID,
		ProviderID:     providerID,
		ScheduledStart: scheduled,
		State:          StateSecurityValidation,
	}
}

// Validate проверяет обязательные поля
func (c *Consultation) Validate() error {
	if c == nil {
		return errors.New("консультация не может быть nil")
	}
	if c.ID == "" {
		return errors.New("ID консультации не может быть пустым")
	}
	return nil
}

// MarkStarted фиксирует фактическое время начала.
// Возвращает false, если время уже было установлено.
func (c *Consultation) MarkStarted(now time.Time) bool {
	if c.ActualStart != nil {
		return false
	}
	t := now
	c.ActualStart = &t
	return true
}

// MarkEnded фиксирует время окончания.
// Возвращает false, если время уже было установлено.
func (c *Consultation) MarkEnded(now time.Time) bool {
	if c.EndTime != nil {
		return false
	}
	t := now
	c.EndTime = &t
	return true
}

// AddViolation добавляет нарушение. Список только растет до завершения визита.
func (c *Consultation) AddViolation(v Violation) error {
	if c.State.IsTerminal() {
		return ErrFrozen
	}
	c.Compliance.Violations = append(c.Compliance.Violations, v)
	return nil
}

// HasViolation проверяет наличие нарушения указанного вида
func (c *Consultation) HasViolation(code Code) bool {
	for _, v := range c.Compliance.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Duration возвращает длительность визита, если он начался и закончился
func (c *Consultation) Duration() (time.Duration, bool) {
	if c.ActualStart == nil || c.EndTime == nil {
		return 0, false
	}
	return c.EndTime.Sub(*c.ActualStart), true
}

// Clone возвращает глубокую копию для снапшотов
func (c *Consultation) Clone() *Consultation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ActualStart != nil {
		t := *c.ActualStart
		cp.ActualStart = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		cp.EndTime = &t
	}
	if c.Compliance.Violations != nil {
		cp.Compliance.Violations = make([]Violation, len(c.Compliance.Violations))
		copy(cp.Compliance.Violations, c.Compliance.Violations)
	}
	return &cp
}
