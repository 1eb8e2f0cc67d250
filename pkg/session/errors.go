package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/transport"
)

// ErrUnknownConsultation консультация не зарегистрирована в менеджере
var ErrUnknownConsultation = errors.New("консультация не зарегистрирована")

// ErrAlreadyRegistered консультация с таким ID уже зарегистрирована
var ErrAlreadyRegistered = errors.New("консультация уже зарегистрирована")

// SessionError типизированная ошибка сеанса. Code всегда из закрытого набора
// consultation.Code, ошибки транспорта приводятся к NetworkError.
type SessionError struct {
	Code           consultation.Code  `json:"code"`
	ConsultationID string             `json:"consultation_id,omitempty"`
	State          consultation.State `json:"state"`
	Message        string             `json:"message"`
	Timestamp      time.Time          `json:"timestamp"`
	Cause          error              `json:"-"`
}

// Error реализует интерфейс error
func (e *SessionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.ConsultationID != "" {
		msg = fmt.Sprintf("%s (consultation: %s, state: %s)", msg, e.ConsultationID, e.State)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду: errors.Is(err, ErrTimeout)
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ConsultationCode реализует transport.Coded
func (e *SessionError) ConsultationCode() consultation.Code {
	return e.Code
}

// Предопределенные ошибки для сравнения через errors.Is
var (
	ErrInvalidStatus     = &SessionError{Code: consultation.CodeInvalidStatus, Message: "операция недопустима в текущем состоянии"}
	ErrSecurityViolation = &SessionError{Code: consultation.CodeSecurityViolation, Message: "нарушение требований безопасности"}
	ErrNetworkError      = &SessionError{Code: consultation.CodeNetworkError, Message: "сетевая ошибка"}
	ErrTimeout           = &SessionError{Code: consultation.CodeTimeout, Message: "таймаут запуска сеанса"}
	ErrExhausted         = &SessionError{Code: consultation.CodeExhausted, Message: "попытки восстановления исчерпаны"}
)

var _ transport.Coded = (*SessionError)(nil)

func newError(code consultation.Code, id string, state consultation.State, message string, cause error) *SessionError {
	return &SessionError{
		Code:           code,
		ConsultationID: id,
		State:          state,
		Message:        message,
		Timestamp:      time.Now(),
		Cause:          cause,
	}
}

func errInvalidStatus(id string, state consultation.State, operation string) *SessionError {
	return newError(consultation.CodeInvalidStatus, id, state,
		fmt.Sprintf("нельзя выполнить '%s' в состоянии %s", operation, state), nil)
}

func errUnknown(id string) *SessionError {
	return newError(consultation.CodeInvalidStatus, id, consultation.StateSecurityValidation,
		"консультация не найдена", ErrUnknownConsultation)
}

// errorForCode ошибка, которую получает вызывающий при переходе в Error
func errorForCode(code consultation.Code, id string, state consultation.State, cause error) *SessionError {
	var message string
	switch code {
	case consultation.CodeSecurityViolation:
		message = "шифрование транспорта не подтверждено"
	case consultation.CodeNetworkError:
		message = "сеть или медиа транспорт недоступны"
	case consultation.CodeTimeout:
		message = "сеанс не перешел в in_progress за отведенное время"
	case consultation.CodeExhausted:
		message = "связь не восстановлена"
	default:
		message = "операция недопустима в текущем состоянии"
		code = consultation.CodeInvalidStatus
	}
	return newError(code, id, state, message, cause)
}

// CodeOf возвращает код таксономии для любой ошибки ядра
func CodeOf(err error) consultation.Code {
	if err == nil {
		return consultation.CodeNone
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return transport.CodeOf(err)
}
