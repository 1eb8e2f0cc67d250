// Package simtransport in-memory медиа транспорт со сценариями поведения.
// Используется в тестах ядра сессии и в режиме симуляции consultd.
package simtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/televisit/pkg/quality"
	"github.com/arzzra/televisit/pkg/transport"
)

// Op операция транспорта, для счетчиков вызовов
type Op string

const (
	OpConnect    Op = "connect"
	OpDisconnect Op = "disconnect"
	OpGetStats   Op = "get_stats"
	OpSetTrack   Op = "set_track"
)

// ErrNoStats для консультации не задано ни метрик, ни потока
var ErrNoStats = errors.New("simtransport: нет данных о качестве")

// Script поведение транспорта для одной консультации
type Script struct {
	ConnectDelay   time.Duration
	ConnectErrs    []error // расходуются по одной на вызов Connect
	Stats          []quality.Sample
	StatsFunc      func(connectCalls int) quality.Sample // приоритетнее Stats
	StatsErr       error
	DisconnectHang bool // Disconnect блокируется до отмены ctx
	DisconnectErr  error
	TrackErr       error
	Encryption     string
	Stream         *StreamConfig // синтетический RTP поток вместо Stats
}

type consultationState struct {
	script Script
	stream *Stream
	dtls   *DTLSState
	tracks map[transport.Track]bool
	calls  map[Op]int
}

// Adapter реализует transport.Adapter по сценариям
type Adapter struct {
	mu       sync.Mutex
	defaults Script
	states   map[string]*consultationState
	calls    map[Op]int
	logger   zerolog.Logger
	now      func() time.Time
}

var _ transport.Adapter = (*Adapter)(nil)

// Option опция Adapter
type Option func(*Adapter)

// WithDefaultScript сценарий для консультаций без собственного
func WithDefaultScript(s Script) Option {
	return func(a *Adapter) { a.defaults = s }
}

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New создает адаптер
func New(opts ...Option) *Adapter {
	a := &Adapter{
		states: make(map[string]*consultationState),
		calls:  make(map[Op]int),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) state(id string) *consultationState {
	st, ok := a.states[id]
	if !ok {
		script := a.defaults
		script.ConnectErrs = append([]error(nil), a.defaults.ConnectErrs...)
		script.Stats = append([]quality.Sample(nil), a.defaults.Stats...)
		st = &consultationState{
			script: script,
			tracks: map[transport.Track]bool{transport.TrackAudio: true, transport.TrackVideo: true},
			calls:  make(map[Op]int),
		}
		a.states[id] = st
	}
	return st
}

func (a *Adapter) count(st *consultationState, op Op) {
	a.calls[op]++
	st.calls[op]++
}

// SetScript заменяет сценарий консультации
func (a *Adapter) SetScript(id string, s Script) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(id).script = s
}

// Update изменяет сценарий консультации
func (a *Adapter) Update(id string, fn func(*Script)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.state(id).script)
}

// SetStats задает последовательность метрик, последняя повторяется
func (a *Adapter) SetStats(id string, samples ...quality.Sample) {
	a.Update(id, func(s *Script) {
		s.Stats = append([]quality.Sample(nil), samples...)
		s.StatsErr = nil
	})
}

// Calls общее количество вызовов операции
func (a *Adapter) Calls(op Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// TotalCalls количество всех вызовов транспорта
func (a *Adapter) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.calls {
		total += n
	}
	return total
}

// CallsFor количество вызовов операции для консультации
func (a *Adapter) CallsFor(id string, op Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[id]; ok {
		return st.calls[op]
	}
	return 0
}

// TrackEnabled текущее состояние трека
func (a *Adapter) TrackEnabled(id string, track transport.Track) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state(id).tracks[track]
}

// Stream возвращает синтетический поток консультации, если он запущен
func (a *Adapter) Stream(id string) (*Stream, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[id]
	if !ok || st.stream == nil {
		return nil, false
	}
	return st.stream, true
}

// Connect реализует transport.Adapter
func (a *Adapter) Connect(ctx context.Context, id string) (transport.ConnectResult, error) {
	a.mu.Lock()
	st := a.state(id)
	a.count(st, OpConnect)
	delay := st.script.ConnectDelay
	var connectErr error
	if len(st.script.ConnectErrs) > 0 {
		connectErr = st.script.ConnectErrs[0]
		st.script.ConnectErrs = st.script.ConnectErrs[1:]
	}
	encryption := st.script.Encryption
	a.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return transport.ConnectResult{}, ctx.Err()
		}
	}
	if connectErr != nil {
		a.logger.Debug().Str("consultation_id", id).Err(connectErr).Msg("сценарий: ошибка подключения")
		return transport.ConnectResult{}, connectErr
	}

	if err := a.startStream(id); err != nil {
		return transport.ConnectResult{}, fmt.Errorf("запуск медиа потока: %w", err)
	}

	return transport.ConnectResult{ConnectedAt: a.now(), EncryptionProtocol: encryption}, nil
}

func (a *Adapter) startStream(id string) error {
	a.mu.Lock()
	st := a.state(id)
	if st.script.Stream == nil {
		a.mu.Unlock()
		return nil
	}
	if st.stream == nil {
		st.stream = NewStream(*st.script.Stream, a.logger.With().Str("consultation_id", id).Logger())
	}
	stream := st.stream
	a.mu.Unlock()

	return stream.Start(id)
}

// Disconnect реализует transport.Adapter
func (a *Adapter) Disconnect(ctx context.Context, id string) error {
	a.mu.Lock()
	st := a.state(id)
	a.count(st, OpDisconnect)
	hang := st.script.DisconnectHang
	err := st.script.DisconnectErr
	stream := st.stream
	a.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// GetStats реализует transport.Adapter
func (a *Adapter) GetStats(ctx context.Context, id string) (quality.Sample, error) {
	a.mu.Lock()
	st := a.state(id)
	a.count(st, OpGetStats)
	if st.script.StatsErr != nil {
		err := st.script.StatsErr
		a.mu.Unlock()
		return quality.Sample{}, err
	}
	if st.script.StatsFunc != nil {
		fn, connects := st.script.StatsFunc, st.calls[OpConnect]
		a.mu.Unlock()
		s := fn(connects)
		if s.At.IsZero() {
			s.At = a.now()
		}
		return s, nil
	}
	if len(st.script.Stats) > 0 {
		s := st.script.Stats[0]
		if len(st.script.Stats) > 1 {
			st.script.Stats = st.script.Stats[1:]
		}
		a.mu.Unlock()
		if s.At.IsZero() {
			s.At = a.now()
		}
		return s, nil
	}
	stream := st.stream
	a.mu.Unlock()

	if stream == nil {
		return quality.Sample{}, ErrNoStats
	}
	return stream.Sample(a.now())
}

// SetTrackEnabled реализует transport.Adapter
func (a *Adapter) SetTrackEnabled(ctx context.Context, id string, track transport.Track, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state(id)
	a.count(st, OpSetTrack)
	if st.script.TrackErr != nil {
		return st.script.TrackErr
	}
	st.tracks[track] = enabled
	return nil
}

// EncryptionProtocol сообщает протокол из сценария
func (a *Adapter) EncryptionProtocol(id string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.state(id).script.Encryption
	return p, p != ""
}
