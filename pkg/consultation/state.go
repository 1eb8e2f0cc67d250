package consultation

import "fmt"

// State состояние жизненного цикла консультации.
//
// Нулевое значение - SecurityValidation, начальное состояние до вызова start().
type State int

const (
	// StateSecurityValidation - начальное состояние, проверка допуска к сеансу
	StateSecurityValidation State = iota
	// StateConnecting - медиа транспорт устанавливает соединение
	StateConnecting
	// StateInProgress - идет визит, работает монитор качества
	StateInProgress
	// StateRecoveryMode - качество деградировало или транспорт отвалился, идет восстановление
	StateRecoveryMode
	// StateEnded - визит завершен пользователем (терминальное)
	StateEnded
	// StateError - визит аварийно завершен (терминальное)
	StateError
)

var stateNames = map[State]string{
	StateSecurityValidation: "security_validation",
	StateConnecting:         "connecting",
	StateInProgress:         "in_progress",
	StateRecoveryMode:       "recovery_mode",
	StateEnded:              "ended",
	StateError:              "error",
}

// String возвращает строковое представление состояния
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal проверяет, является ли состояние терминальным
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateError
}

// IsConnected проверяет, есть ли в этом состоянии медиа сеанс,
// с которым можно работать (переключать треки и т.п.)
func (s State) IsConnected() bool {
	return s == StateInProgress || s == StateRecoveryMode
}

// ParseState преобразует строку обратно в State
func ParseState(name string) (State, bool) {
	for state, n := range stateNames {
		if n == name {
			return state, true
		}
	}
	return StateSecurityValidation, false
}

// MarshalText реализует encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	state, ok := ParseState(string(text))
	if !ok {
		return fmt.Errorf("неизвестное состояние консультации: %q", text)
	}
	*s = state
	return nil
}
