// Package config загружает конфигурацию consultd из YAML файла и переменных
// окружения CONSULTD_*.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/televisit/internal/logging"
	"github.com/arzzra/televisit/pkg/quality"
	"github.com/arzzra/televisit/pkg/recovery"
	"github.com/arzzra/televisit/pkg/session"
)

// EnvPrefix префикс переменных окружения: CONSULTD_SESSION_START_TIMEOUT=10s
const EnvPrefix = "CONSULTD"

// Типы журналов аудита
const (
	SinkLog    = "log"
	SinkStdout = "stdout"
	SinkFile   = "file"
	SinkRedis  = "redis"
)

type Config struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Quality    QualityConfig    `mapstructure:"quality" yaml:"quality"`
	Recovery   RecoveryConfig   `mapstructure:"recovery" yaml:"recovery"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Audit      AuditConfig      `mapstructure:"audit" yaml:"audit"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Simulation SimulationConfig `mapstructure:"simulation" yaml:"simulation"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type SessionConfig struct {
	StartTimeout       time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	TeardownGrace      time.Duration `mapstructure:"teardown_grace" yaml:"teardown_grace"`
	AuditTimeout       time.Duration `mapstructure:"audit_timeout" yaml:"audit_timeout"`
	TrackTimeout       time.Duration `mapstructure:"track_timeout" yaml:"track_timeout"`
	ComplianceInterval time.Duration `mapstructure:"compliance_interval" yaml:"compliance_interval"`
	SubscriberBuffer   int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	QueueSize          int           `mapstructure:"queue_size" yaml:"queue_size"`
	HistorySize        int           `mapstructure:"history_size" yaml:"history_size"`
}

type BoundConfig struct {
	MaxLatency    time.Duration `mapstructure:"max_latency" yaml:"max_latency"`
	MaxPacketLoss float64       `mapstructure:"max_packet_loss" yaml:"max_packet_loss"`
	MinBitrate    uint64        `mapstructure:"min_bitrate" yaml:"min_bitrate"`
}

type QualityConfig struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	WindowSize   int           `mapstructure:"window_size" yaml:"window_size"`
	FailureLimit int           `mapstructure:"failure_limit" yaml:"failure_limit"`
	Excellent    BoundConfig   `mapstructure:"excellent" yaml:"excellent"`
	Good         BoundConfig   `mapstructure:"good" yaml:"good"`
	Fair         BoundConfig   `mapstructure:"fair" yaml:"fair"`
}

type RecoveryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

type SecurityConfig struct {
	// STUNServers пустой список - сеть считается доступной без проверки
	STUNServers     []string      `mapstructure:"stun_servers" yaml:"stun_servers"`
	STUNTimeout     time.Duration `mapstructure:"stun_timeout" yaml:"stun_timeout"`
	ReachabilityTTL time.Duration `mapstructure:"reachability_ttl" yaml:"reachability_ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Stream   string `mapstructure:"stream" yaml:"stream"`
	MaxLen   int64  `mapstructure:"max_len" yaml:"max_len"`
}

type AuditConfig struct {
	Sinks []string    `mapstructure:"sinks" yaml:"sinks"`
	File  string      `mapstructure:"file" yaml:"file"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SimulationConfig параметры команды simulate
type SimulationConfig struct {
	Consultations int           `mapstructure:"consultations" yaml:"consultations"`
	Duration      time.Duration `mapstructure:"duration" yaml:"duration"`
	PayloadSize   int           `mapstructure:"payload_size" yaml:"payload_size"`
	Ptime         time.Duration `mapstructure:"ptime" yaml:"ptime"`
	RTT           time.Duration `mapstructure:"rtt" yaml:"rtt"`
	// Ухудшение сети на время ImpairFor начиная с ImpairAt
	ImpairAt       time.Duration `mapstructure:"impair_at" yaml:"impair_at"`
	ImpairFor      time.Duration `mapstructure:"impair_for" yaml:"impair_for"`
	ImpairDropRate float64       `mapstructure:"impair_drop_rate" yaml:"impair_drop_rate"`
	ImpairRTT      time.Duration `mapstructure:"impair_rtt" yaml:"impair_rtt"`
	// Encrypted false - проверка безопасности отклоняет все визиты
	Encrypted bool `mapstructure:"encrypted" yaml:"encrypted"`
}

func setDefaults(v *viper.Viper) {
	sc := session.DefaultConfig()
	th := quality.DefaultThresholds()
	rp := recovery.DefaultPolicy()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatJSON)

	v.SetDefault("session.start_timeout", sc.StartTimeout)
	v.SetDefault("session.teardown_grace", sc.TeardownGrace)
	v.SetDefault("session.audit_timeout", sc.AuditTimeout)
	v.SetDefault("session.track_timeout", sc.TrackTimeout)
	v.SetDefault("session.compliance_interval", sc.ComplianceInterval)
	v.SetDefault("session.subscriber_buffer", sc.SubscriberBuffer)
	v.SetDefault("session.queue_size", sc.QueueSize)
	v.SetDefault("session.history_size", sc.HistorySize)

	v.SetDefault("quality.interval", sc.QualityInterval)
	v.SetDefault("quality.window_size", sc.WindowSize)
	v.SetDefault("quality.failure_limit", sc.StatsFailureLimit)
	for name, b := range map[string]quality.Bound{"excellent": th.Excellent, "good": th.Good, "fair": th.Fair} {
		v.SetDefault("quality."+name+".max_latency", b.MaxLatency)
		v.SetDefault("quality."+name+".max_packet_loss", b.MaxPacketLoss)
		v.SetDefault("quality."+name+".min_bitrate", b.MinBitrate)
	}

	v.SetDefault("recovery.base_delay", rp.BaseDelay)
	v.SetDefault("recovery.multiplier", rp.Multiplier)
	v.SetDefault("recovery.max_attempts", rp.MaxAttempts)
	v.SetDefault("recovery.max_delay", rp.MaxDelay)

	v.SetDefault("security.stun_servers", []string{})
	v.SetDefault("security.stun_timeout", 2*time.Second)
	v.SetDefault("security.reachability_ttl", 10*time.Second)

	v.SetDefault("audit.sinks", []string{SinkLog})
	v.SetDefault("audit.file", "")
	v.SetDefault("audit.redis.addr", "localhost:6379")
	v.SetDefault("audit.redis.password", "")
	v.SetDefault("audit.redis.db", 0)
	v.SetDefault("audit.redis.stream", "consultation:audit")
	v.SetDefault("audit.redis.max_len", int64(100000))

	v.SetDefault("http.addr", ":9090")

	v.SetDefault("simulation.consultations", 3)
	v.SetDefault("simulation.duration", 30*time.Second)
	v.SetDefault("simulation.payload_size", 1250)
	v.SetDefault("simulation.ptime", 10*time.Millisecond)
	v.SetDefault("simulation.rtt", 60*time.Millisecond)
	v.SetDefault("simulation.impair_at", 8*time.Second)
	v.SetDefault("simulation.impair_for", 4*time.Second)
	v.SetDefault("simulation.impair_drop_rate", 0.15)
	v.SetDefault("simulation.impair_rtt", 500*time.Millisecond)
	v.SetDefault("simulation.encrypted", true)
}

// Load читает конфигурацию. path может быть пустым: тогда используются
// значения по умолчанию и переменные окружения.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Thresholds пороги качества
func (c *Config) Thresholds() quality.Thresholds {
	bound := func(b BoundConfig) quality.Bound {
		return quality.Bound{MaxLatency: b.MaxLatency, MaxPacketLoss: b.MaxPacketLoss, MinBitrate: b.MinBitrate}
	}
	return quality.Thresholds{
		Excellent: bound(c.Quality.Excellent),
		Good:      bound(c.Quality.Good),
		Fair:      bound(c.Quality.Fair),
	}
}

// RecoveryPolicy политика восстановления
func (c *Config) RecoveryPolicy() recovery.Policy {
	return recovery.Policy{
		BaseDelay:   c.Recovery.BaseDelay,
		Multiplier:  c.Recovery.Multiplier,
		MaxAttempts: c.Recovery.MaxAttempts,
		MaxDelay:    c.Recovery.MaxDelay,
	}
}

// ToSessionConfig собирает конфигурацию менеджера сеансов
func (c *Config) ToSessionConfig(logger zerolog.Logger, reg prometheus.Registerer) session.Config {
	sc := session.DefaultConfig()
	sc.StartTimeout = c.Session.StartTimeout
	sc.TeardownGrace = c.Session.TeardownGrace
	sc.AuditTimeout = c.Session.AuditTimeout
	sc.TrackTimeout = c.Session.TrackTimeout
	sc.ComplianceInterval = c.Session.ComplianceInterval
	sc.SubscriberBuffer = c.Session.SubscriberBuffer
	sc.QueueSize = c.Session.QueueSize
	sc.HistorySize = c.Session.HistorySize
	sc.QualityInterval = c.Quality.Interval
	sc.WindowSize = c.Quality.WindowSize
	sc.StatsFailureLimit = c.Quality.FailureLimit
	sc.Thresholds = c.Thresholds()
	sc.Recovery = c.RecoveryPolicy()
	sc.Logger = logger
	sc.Registerer = reg
	return sc
}

// Validate проверяет конфигурацию целиком
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.NewWithWriter(nil, c.Log.Level, c.Log.Format); err != nil {
		errs = append(errs, err)
	}

	sc := c.ToSessionConfig(zerolog.Nop(), nil)
	if err := sc.Validate(); err != nil {
		errs = append(errs, err)
	}

	for _, s := range c.Audit.Sinks {
		switch s {
		case SinkLog, SinkStdout, SinkRedis:
		case SinkFile:
			if c.Audit.File == "" {
				errs = append(errs, errors.New("audit.file обязателен для журнала file"))
			}
		default:
			errs = append(errs, fmt.Errorf("неизвестный журнал аудита %q", s))
		}
	}
	if len(c.Audit.Sinks) == 0 {
		errs = append(errs, errors.New("нужен хотя бы один журнал аудита"))
	}

	if c.Simulation.Consultations < 0 {
		errs = append(errs, errors.New("simulation.consultations не может быть отрицательным"))
	}
	if c.Simulation.ImpairDropRate < 0 || c.Simulation.ImpairDropRate > 1 {
		errs = append(errs, fmt.Errorf("simulation.impair_drop_rate вне диапазона 0..1: %v", c.Simulation.ImpairDropRate))
	}

	return errors.Join(errs...)
}

// YAML эффективная конфигурация в YAML. Пароль Redis не выводится.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
