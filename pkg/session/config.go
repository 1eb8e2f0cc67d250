package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/televisit/pkg/quality"
	"github.com/arzzra/televisit/pkg/recovery"
)

// Config конфигурация менеджера сеансов
type Config struct {
	// StartTimeout сколько start() ждет перехода в InProgress
	StartTimeout time.Duration
	// TeardownGrace сколько end() ждет disconnect транспорта
	TeardownGrace time.Duration
	// AuditTimeout ограничение на одну запись в журнал
	AuditTimeout time.Duration
	// TrackTimeout ограничение на переключение трека
	TrackTimeout time.Duration

	// Параметры монитора качества
	QualityInterval   time.Duration
	WindowSize        int
	StatsFailureLimit int
	Thresholds        quality.Thresholds

	// ComplianceInterval период повторной проверки безопасности во время визита (0 - выключено)
	ComplianceInterval time.Duration

	// SubscriberBuffer емкость канала подписчика
	SubscriberBuffer int
	// QueueSize емкость очереди событий одного сеанса
	QueueSize int
	// HistorySize сколько переходов хранить для History
	HistorySize int

	Recovery recovery.Policy

	Logger     zerolog.Logger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		StartTimeout:       30 * time.Second,
		TeardownGrace:      5 * time.Second,
		AuditTimeout:       2 * time.Second,
		TrackTimeout:       5 * time.Second,
		QualityInterval:    quality.DefaultInterval,
		WindowSize:         quality.DefaultWindowSize,
		StatsFailureLimit:  quality.DefaultFailureLimit,
		Thresholds:         quality.DefaultThresholds(),
		ComplianceInterval: 10 * time.Second,
		SubscriberBuffer:   16,
		QueueSize:          64,
		HistorySize:        64,
		Recovery:           recovery.DefaultPolicy(),
		Logger:             zerolog.Nop(),
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.StartTimeout <= 0 {
		return errors.New("StartTimeout должен быть положительным")
	}
	if c.TeardownGrace <= 0 {
		return errors.New("TeardownGrace должен быть положительным")
	}
	if c.AuditTimeout <= 0 {
		return errors.New("AuditTimeout должен быть положительным")
	}
	if c.TrackTimeout <= 0 {
		return errors.New("TrackTimeout должен быть положительным")
	}
	if c.QualityInterval <= 0 {
		return errors.New("QualityInterval должен быть положительным")
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("WindowSize должен быть >= 1, получено %d", c.WindowSize)
	}
	if c.StatsFailureLimit < 1 {
		return fmt.Errorf("StatsFailureLimit должен быть >= 1, получено %d", c.StatsFailureLimit)
	}
	if c.ComplianceInterval < 0 {
		return errors.New("ComplianceInterval не может быть отрицательным")
	}
	if c.SubscriberBuffer < 1 {
		return errors.New("SubscriberBuffer должен быть >= 1")
	}
	if c.QueueSize < 1 {
		return errors.New("QueueSize должен быть >= 1")
	}
	if c.HistorySize < 1 {
		return errors.New("HistorySize должен быть >= 1")
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("невалидные пороги качества: %w", err)
	}
	if err := c.Recovery.Validate(); err != nil {
		return fmt.Errorf("невалидная политика восстановления: %w", err)
	}
	return nil
}

// StartOption опция вызова Start
type StartOption func(*startOptions)

type startOptions struct {
	timeout time.Duration
}

// WithStartTimeout задает таймаут конкретного вызова Start
func WithStartTimeout(d time.Duration) StartOption {
	return func(o *startOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}
