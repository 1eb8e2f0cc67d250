package session

import (
	"sync"
	"time"

	"github.com/arzzra/televisit/pkg/audit"
	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/quality"
)

// Update событие потока консультации: смена состояния или уровня качества
type Update struct {
	ConsultationID string             `json:"consultation_id"`
	State          consultation.State `json:"state"`
	Quality        quality.Level      `json:"quality"`
	Trigger        audit.Trigger      `json:"trigger,omitempty"`
	Reason         consultation.Code  `json:"reason,omitempty"`
	At             time.Time          `json:"at"`
}

// Terminal true для последнего события потока
func (u Update) Terminal() bool {
	return u.State.IsTerminal()
}

// broadcaster раздает обновления подписчикам без блокировки издателя.
// Медленный подписчик теряет самые старые обновления.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Update
	nextID uint64
	buffer int
	last   Update
	closed bool
}

func newBroadcaster(buffer int, initial Update) *broadcaster {
	return &broadcaster{
		subs:   make(map[uint64]chan Update),
		buffer: buffer,
		last:   initial,
	}
}

// subscribe сразу отдает текущее состояние. После закрытия потока канал
// получает последнее обновление и закрывается.
func (b *broadcaster) subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Update, b.buffer)
	ch <- b.last
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = u
	for _, ch := range b.subs {
		deliver(ch, u)
	}
	if u.Terminal() {
		b.closeLocked()
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *broadcaster) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// deliver кладет обновление в канал, вытесняя самое старое при переполнении
func deliver(ch chan Update, u Update) {
	for {
		select {
		case ch <- u:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
