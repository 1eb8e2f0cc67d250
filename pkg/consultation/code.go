package consultation

// Code закрытый набор причин отказа/ошибки сеанса.
//
// Один и тот же код используется как причина отказа Security Gate,
// как вид нарушения в compliance метаданных и как код SessionError.
type Code string

const (
	// CodeNone - причины нет (успешный переход)
	CodeNone Code = ""
	// CodeInvalidStatus - операция недопустима в текущем состоянии
	CodeInvalidStatus Code = "INVALID_STATUS"
	// CodeSecurityViolation - шифрование неактивно или нарушение compliance во время визита
	CodeSecurityViolation Code = "SECURITY_VIOLATION"
	// CodeNetworkError - сеть недоступна или транспорт сообщил об ошибке соединения
	CodeNetworkError Code = "NETWORK_ERROR"
	// CodeTimeout - start() не дошел до InProgress за отведенное время
	CodeTimeout Code = "TIMEOUT"
	// CodeExhausted - восстановление исчерпало все попытки
	CodeExhausted Code = "EXHAUSTED"
)

// String возвращает строковое представление кода
func (c Code) String() string {
	if c == CodeNone {
		return "none"
	}
	return string(c)
}

// Valid проверяет, что код принадлежит закрытому набору
func (c Code) Valid() bool {
	switch c {
	case CodeInvalidStatus, CodeSecurityViolation, CodeNetworkError, CodeTimeout, CodeExhausted:
		return true
	default:
		return false
	}
}

// Fatal сообщает, приводит ли нарушение этого вида к принудительному
// завершению визита, если оно возникло во время сеанса.
// Прочие нарушения только накапливаются в списке.
func (c Code) Fatal() bool {
	return c == CodeSecurityViolation
}
