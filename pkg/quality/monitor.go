// monitor.go - Периодический мониторинг качества одного сеанса
//
// Монитор принадлежит ровно одной консультации и никогда ее не переживает:
// Stop() гарантирует, что после возврата не будет ни одного тика.
package quality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultInterval период опроса статистики по умолчанию
	DefaultInterval = time.Second
	// DefaultFailureLimit сколько подряд неудачных опросов считаются потерей транспорта
	DefaultFailureLimit = 3
)

// ErrMonitorRunning возвращается при повторном Start без Stop
var ErrMonitorRunning = errors.New("монитор качества уже запущен")

// StatsSource источник статистики транспорта
type StatsSource interface {
	GetStats(ctx context.Context, consultationID string) (Sample, error)
}

// EventType тип события монитора
type EventType int

const (
	// EventLevelChanged классификация изменилась относительно предыдущего тика
	EventLevelChanged EventType = iota
	// EventStatsLost статистика недоступна FailureLimit тиков подряд
	EventStatsLost
)

// Event событие монитора качества
type Event struct {
	Type     EventType
	Previous Level
	Current  Level
	Sample   Sample // сглаженное измерение
	Err      error  // последняя ошибка опроса для EventStatsLost
}

// EmitFunc получатель событий. ctx отменяется при Stop монитора,
// получатель обязан не блокироваться дольше его жизни.
type EmitFunc func(ctx context.Context, ev Event)

// MonitorConfig конфигурация монитора
type MonitorConfig struct {
	ConsultationID string
	Source         StatsSource
	Emit           EmitFunc

	Interval     time.Duration
	WindowSize   int
	FailureLimit int
	Thresholds   Thresholds
	Logger       zerolog.Logger
}

func (c *MonitorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = DefaultFailureLimit
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
}

// Monitor опрашивает транспорт с фиксированным периодом и
// генерирует события только при смене уровня (edge-triggered).
type Monitor struct {
	cfg MonitorConfig

	mu       sync.Mutex
	window   *Window
	last     Level
	smoothed Sample
	failures int
	ticks    uint64

	// управление жизненным циклом
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor создает монитор
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("источник статистики не может быть nil")
	}
	if cfg.Emit == nil {
		return nil, fmt.Errorf("получатель событий не может быть nil")
	}
	cfg.applyDefaults()
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("невалидные пороги: %w", err)
	}

	return &Monitor{
		cfg:    cfg,
		window: NewWindow(cfg.WindowSize),
	}, nil
}

// Start запускает периодический опрос
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return ErrMonitorRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go m.run(runCtx, done)

	m.cfg.Logger.Debug().
		Str("consultation_id", m.cfg.ConsultationID).
		Dur("interval", m.cfg.Interval).
		Msg("монитор качества запущен")
	return nil
}

// Stop останавливает опрос и ждет завершения горутины. Идемпотентен.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.cfg.Logger.Debug().
		Str("consultation_id", m.cfg.ConsultationID).
		Msg("монитор качества остановлен")
}

// Running сообщает, идет ли опрос
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	sample, err := m.cfg.Source.GetStats(ctx, m.cfg.ConsultationID)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		if lost := m.recordFailure(); lost {
			m.cfg.Logger.Warn().Err(err).
				Str("consultation_id", m.cfg.ConsultationID).
				Int("failures", m.cfg.FailureLimit).
				Msg("статистика транспорта недоступна")
			m.cfg.Emit(ctx, Event{Type: EventStatsLost, Previous: m.Level(), Current: m.Level(), Err: err})
		}
		return
	}

	if ev, changed := m.observe(sample); changed {
		m.cfg.Emit(ctx, ev)
	}
}

// recordFailure возвращает true ровно один раз на серию неудач длиной FailureLimit
func (m *Monitor) recordFailure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures == m.cfg.FailureLimit
}

// observe добавляет измерение в окно и классифицирует сглаженное значение.
// changed = true только если уровень отличается от предыдущего тика.
func (m *Monitor) observe(s Sample) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = 0
	m.ticks++
	m.window.Add(s)
	smoothed, _ := m.window.Smoothed()
	current := m.cfg.Thresholds.Classify(smoothed)

	prev := m.last
	m.last = current
	m.smoothed = smoothed

	return Event{Type: EventLevelChanged, Previous: prev, Current: current, Sample: smoothed}, current != prev
}

// Probe берет одно свежее измерение и классифицирует его отдельно от окна
func (m *Monitor) Probe(ctx context.Context) (Sample, Level, error) {
	sample, err := m.cfg.Source.GetStats(ctx, m.cfg.ConsultationID)
	if err != nil {
		return Sample{}, LevelUnknown, err
	}
	return sample, m.cfg.Thresholds.Classify(sample), nil
}

// Rearm заново засевает окно одним измерением (после восстановления)
func (m *Monitor) Rearm(seed Sample) Level {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window.Reset(seed)
	m.failures = 0
	m.smoothed = seed
	m.last = m.cfg.Thresholds.Classify(seed)
	return m.last
}

// Level возвращает уровень последнего тика
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Smoothed возвращает последнее сглаженное измерение
func (m *Monitor) Smoothed() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.smoothed
}

// Ticks возвращает количество успешных тиков
func (m *Monitor) Ticks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}
