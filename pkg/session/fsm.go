package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/televisit/pkg/audit"
	"github.com/arzzra/televisit/pkg/consultation"
)

// События конечного автомата жизненного цикла
const (
	eventBeginConnect = "begin_connect"
	eventConnected    = "connected"
	eventDegrade      = "degrade"
	eventRecover      = "recover"
	eventEnd          = "end"
	eventFail         = "fail"
)

var nonTerminal = []string{
	consultation.StateSecurityValidation.String(),
	consultation.StateConnecting.String(),
	consultation.StateInProgress.String(),
	consultation.StateRecoveryMode.String(),
}

// Transition один выполненный переход
type Transition struct {
	From    consultation.State `json:"from"`
	To      consultation.State `json:"to"`
	Event   string             `json:"event"`
	Trigger audit.Trigger      `json:"trigger"`
	Reason  consultation.Code  `json:"reason,omitempty"`
	At      time.Time          `json:"at"`
}

// lifecycle автомат состояний одной консультации с историей переходов
type lifecycle struct {
	machine *fsm.FSM

	mu         sync.RWMutex
	history    []Transition
	maxHistory int
}

func newLifecycle(initial consultation.State, maxHistory int) *lifecycle {
	l := &lifecycle{maxHistory: maxHistory}
	l.machine = fsm.NewFSM(
		initial.String(),
		fsm.Events{
			// Допуск получен, транспорт устанавливает соединение
			{Name: eventBeginConnect, Src: []string{consultation.StateSecurityValidation.String()}, Dst: consultation.StateConnecting.String()},
			// Транспорт подключен
			{Name: eventConnected, Src: []string{consultation.StateConnecting.String()}, Dst: consultation.StateInProgress.String()},
			// Качество упало или транспорт отвалился
			{Name: eventDegrade, Src: []string{consultation.StateInProgress.String()}, Dst: consultation.StateRecoveryMode.String()},
			// Восстановление удалось
			{Name: eventRecover, Src: []string{consultation.StateRecoveryMode.String()}, Dst: consultation.StateInProgress.String()},
			// Завершение пользователем
			{Name: eventEnd, Src: nonTerminal, Dst: consultation.StateEnded.String()},
			// Аварийное завершение
			{Name: eventFail, Src: nonTerminal, Dst: consultation.StateError.String()},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				l.record(e)
			},
		},
	)
	return l
}

// record сохраняет переход. Args события: trigger, reason.
func (l *lifecycle) record(e *fsm.Event) {
	from, _ := consultation.ParseState(e.Src)
	to, _ := consultation.ParseState(e.Dst)

	t := Transition{From: from, To: to, Event: e.Event, At: time.Now()}
	if len(e.Args) > 0 {
		t.Trigger, _ = e.Args[0].(audit.Trigger)
	}
	if len(e.Args) > 1 {
		t.Reason, _ = e.Args[1].(consultation.Code)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, t)
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
}

// fire выполняет событие и возвращает совершенный переход
func (l *lifecycle) fire(ctx context.Context, event string, trigger audit.Trigger, reason consultation.Code) (Transition, error) {
	from := l.Current()
	if err := l.machine.Event(ctx, event, trigger, reason); err != nil {
		return Transition{}, fmt.Errorf("переход %s из %s невозможен: %w", event, from, err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.history[len(l.history)-1], nil
}

// Current текущее состояние
func (l *lifecycle) Current() consultation.State {
	state, _ := consultation.ParseState(l.machine.Current())
	return state
}

// Can проверяет допустимость события в текущем состоянии
func (l *lifecycle) Can(event string) bool {
	return l.machine.Can(event)
}

// History копия истории переходов
func (l *lifecycle) History() []Transition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transition, len(l.history))
	copy(out, l.history)
	return out
}
