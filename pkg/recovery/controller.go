// Package recovery восстанавливает связь консультации после деградации качества
// или обрыва транспорта: ограниченное число попыток с экспоненциальным откатом.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/televisit/pkg/quality"
)

// Outcome итог восстановления
type Outcome int

const (
	// Recovered связь восстановлена, качество не ниже порога
	Recovered Outcome = iota
	// Exhausted все попытки израсходованы
	Exhausted
	// Abandoned восстановление прервано отменой контекста
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Recovered:
		return "recovered"
	case Exhausted:
		return "exhausted"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Reconnector повторно устанавливает транспорт консультации
type Reconnector interface {
	Reconnect(ctx context.Context, consultationID string) error
}

// ReconnectFunc адаптер функции к Reconnector
type ReconnectFunc func(ctx context.Context, consultationID string) error

// Reconnect реализует Reconnector
func (f ReconnectFunc) Reconnect(ctx context.Context, consultationID string) error {
	return f(ctx, consultationID)
}

// Prober снимает одну свежую метрику качества
type Prober interface {
	Probe(ctx context.Context) (quality.Sample, quality.Level, error)
}

// Result результат Run
type Result struct {
	Outcome  Outcome
	Attempts int            // Сколько попыток было начато
	Sample   quality.Sample // Последняя успешная метрика
	Level    quality.Level  // Уровень последней успешной метрики
	Err      error          // Последняя ошибка переподключения или замера
}

// Config конфигурация контроллера
type Config struct {
	Policy      Policy
	Reconnector Reconnector
	Prober      Prober
	// MinLevel минимальный уровень для Recovered (по умолчанию Fair)
	MinLevel quality.Level
	// OnAttempt вызывается перед ожиданием каждой попытки
	OnAttempt func(Attempt)
	Logger    zerolog.Logger
}

// Controller выполняет попытки восстановления одной консультации.
// Один Controller может использоваться повторно, но не параллельно.
type Controller struct {
	cfg Config
}

// NewController создает контроллер
func NewController(cfg Config) (*Controller, error) {
	if cfg.Reconnector == nil {
		return nil, errors.New("recovery: не задан Reconnector")
	}
	if cfg.Prober == nil {
		return nil, errors.New("recovery: не задан Prober")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinLevel == quality.LevelUnknown {
		cfg.MinLevel = quality.LevelFair
	}
	return &Controller{cfg: cfg}, nil
}

// Policy возвращает политику контроллера
func (c *Controller) Policy() Policy {
	return c.cfg.Policy
}

// Run выполняет не более Policy.MaxAttempts попыток. Каждая попытка ждет
// дедлайн отката, переподключает транспорт и снимает одну метрику.
// Отмена ctx прерывает ожидание и любой вызов, результат Abandoned.
func (c *Controller) Run(ctx context.Context, consultationID string) Result {
	logger := c.cfg.Logger.With().Str("consultation_id", consultationID).Logger()
	res := Result{}

	for n := 1; n <= c.cfg.Policy.MaxAttempts; n++ {
		delay := c.cfg.Policy.Delay(n)
		attempt := Attempt{Count: n, Max: c.cfg.Policy.MaxAttempts, NextDeadline: time.Now().Add(delay)}
		res.Attempts = n

		if c.cfg.OnAttempt != nil {
			c.cfg.OnAttempt(attempt)
		}

		logger.Debug().
			Int("attempt", n).
			Int("max", attempt.Max).
			Dur("delay", delay).
			Msg("ожидание попытки восстановления")

		if !sleep(ctx, delay) {
			res.Outcome = Abandoned
			return res
		}

		if err := c.cfg.Reconnector.Reconnect(ctx, consultationID); err != nil {
			if ctx.Err() != nil {
				res.Outcome = Abandoned
				return res
			}
			res.Err = err
			logger.Warn().Err(err).Int("attempt", n).Msg("переподключение не удалось")
			continue
		}

		sample, level, err := c.cfg.Prober.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				res.Outcome = Abandoned
				return res
			}
			res.Err = err
			logger.Warn().Err(err).Int("attempt", n).Msg("не удалось получить метрику после переподключения")
			continue
		}
		res.Sample, res.Level = sample, level

		if level.AtLeast(c.cfg.MinLevel) {
			res.Outcome = Recovered
			res.Err = nil
			logger.Info().Int("attempt", n).Stringer("level", level).Msg("связь восстановлена")
			return res
		}

		logger.Warn().Int("attempt", n).Stringer("level", level).Msg("качество после переподключения ниже порога")
	}

	res.Outcome = Exhausted
	logger.Error().Int("attempts", res.Attempts).Msg("попытки восстановления исчерпаны")
	return res
}

// sleep ждет d или отмену ctx, не оставляя активных таймеров
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
