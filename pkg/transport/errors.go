package transport

import (
	"errors"
	"fmt"

	"github.com/arzzra/televisit/pkg/consultation"
)

// Coded ошибка, которая уже несет код из таксономии ядра
type Coded interface {
	ConsultationCode() consultation.Code
}

// Error ошибка транспорта, приведенная к таксономии ядра
type Error struct {
	Op             string
	ConsultationID string
	Code           consultation.Code
	Err            error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s [%s]: %s", e.Op, e.ConsultationID, e.Code)
	}
	return fmt.Sprintf("transport %s [%s]: %s: %v", e.Op, e.ConsultationID, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConsultationCode реализует Coded
func (e *Error) ConsultationCode() consultation.Code {
	return e.Code
}

// Normalize оборачивает ошибку транспорта. Ошибки с кодом таксономии сохраняют
// свой код, все остальные становятся NetworkError.
func Normalize(op, consultationID string, err error) error {
	if err == nil {
		return nil
	}
	var coded Coded
	if errors.As(err, &coded) && coded.ConsultationCode().Valid() {
		if te, ok := err.(*Error); ok {
			return te
		}
		return &Error{Op: op, ConsultationID: consultationID, Code: coded.ConsultationCode(), Err: err}
	}
	return &Error{Op: op, ConsultationID: consultationID, Code: consultation.CodeNetworkError, Err: err}
}

// CodeOf возвращает код таксономии ошибки транспорта
func CodeOf(err error) consultation.Code {
	if err == nil {
		return consultation.CodeNone
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.ConsultationCode()
	}
	return consultation.CodeNetworkError
}
