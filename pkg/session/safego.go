package session

import (
	"fmt"
	"runtime/debug"
)

// goSafe запускает горутину с восстановлением после паники.
// onPanic вызывается после логирования, чтобы владелец мог завершить ожидание результата.
func (s *session) goSafe(component string, fn func(), onPanic func(v interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("component", component).
					Interface("panic_value", r).
					Str("stack_trace", string(debug.Stack())).
					Msg("PANIC восстановлен")
				s.metrics.panics.WithLabelValues(component).Inc()
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

func errPanic(v interface{}) error {
	return fmt.Errorf("panic: %v", v)
}
