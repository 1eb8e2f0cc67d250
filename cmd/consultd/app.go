package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/arzzra/televisit/internal/config"
	"github.com/arzzra/televisit/pkg/audit"
	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/security"
	"github.com/arzzra/televisit/pkg/session"
	"github.com/arzzra/televisit/pkg/transport/simtransport"
)

// app собранные компоненты процесса
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	registry  *prometheus.Registry
	adapter   *simtransport.Adapter
	validator *security.StaticValidator
	sdp       *security.SDPEncryption
	dtls      *security.DTLSEncryption
	manager   *session.Manager
	closers   []func() error
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sink, err := a.buildAudit()
	if err != nil {
		a.close()
		return nil, err
	}

	validator, err := a.buildValidator()
	if err != nil {
		a.close()
		return nil, err
	}

	encryption := ""
	if cfg.Simulation.Encrypted {
		encryption = security.ProtocolDTLSSRTP
	}
	stream := simtransport.DefaultStreamConfig()
	stream.PayloadSize = cfg.Simulation.PayloadSize
	stream.Ptime = cfg.Simulation.Ptime
	stream.RTT = cfg.Simulation.RTT
	stream.Seed = uint64(time.Now().UnixNano())
	a.adapter = simtransport.New(
		simtransport.WithDefaultScript(simtransport.Script{
			Stream:     &stream,
			Encryption: encryption,
		}),
		simtransport.WithLogger(logger.With().Str("component", "simtransport").Logger()),
	)

	m, err := session.NewManager(cfg.ToSessionConfig(logger, a.registry), a.adapter, validator, sink)
	if err != nil {
		a.close()
		return nil, err
	}
	a.manager = m
	return a, nil
}

// buildAudit собирает журналы аудита из конфигурации
func (a *app) buildAudit() (audit.Sink, error) {
	var sinks audit.Fanout
	for _, name := range a.cfg.Audit.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, audit.NewLogSink(a.logger))
		case config.SinkStdout:
			sinks = append(sinks, audit.NewWriterSink(os.Stdout))
		case config.SinkFile:
			f, err := os.OpenFile(a.cfg.Audit.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return nil, fmt.Errorf("открытие журнала аудита: %w", err)
			}
			a.closers = append(a.closers, f.Close)
			sinks = append(sinks, audit.NewWriterSink(f))
		case config.SinkRedis:
			r := a.cfg.Audit.Redis
			sink := audit.NewRedisStreamSink(audit.RedisOptions{
				Addr:     r.Addr,
				Password: r.Password,
				DB:       r.DB,
				Stream:   r.Stream,
				MaxLen:   r.MaxLen,
			})
			a.closers = append(a.closers, sink.Close)
			sinks = append(sinks, sink)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// buildValidator шифрование подтверждают DTLS и SDP согласованного медиа,
// ручная подмена через StaticValidator. Доступность сети проверяется по STUN,
// если серверы указаны.
func (a *app) buildValidator() (security.Validator, error) {
	a.validator = security.NewStaticValidator(true)
	a.sdp = security.NewSDPEncryption()
	a.dtls = security.NewDTLSEncryption()

	var reach security.Reachability = a.validator
	if len(a.cfg.Security.STUNServers) > 0 {
		stun, err := security.NewSTUNReachability(a.cfg.Security.STUNServers,
			security.WithSTUNTimeout(a.cfg.Security.STUNTimeout),
			security.WithReachabilityTTL(a.cfg.Security.ReachabilityTTL),
		)
		if err != nil {
			return nil, fmt.Errorf("настройка STUN: %w", err)
		}
		reach = stun
	}
	return security.NewValidator(reach, a.dtls, a.sdp, a.validator), nil
}

// register регистрирует консультацию и согласует ее медиа
func (a *app) register(c *consultation.Consultation) error {
	if err := a.manager.Register(c); err != nil {
		return err
	}

	n, err := a.adapter.Negotiate(c.ID)
	if err == nil {
		err = a.sdp.SetRemoteDescription(c.ID, n.Answer)
	}
	if err != nil {
		_ = a.manager.Remove(context.Background(), c.ID)
		return fmt.Errorf("согласование медиа %s: %w", c.ID, err)
	}
	a.dtls.Attach(c.ID, n.DTLS)
	return nil
}

// remove удаляет консультацию вместе с данными согласования
func (a *app) remove(ctx context.Context, id string) error {
	if err := a.manager.Remove(ctx, id); err != nil {
		return err
	}
	a.sdp.Forget(id)
	a.dtls.Detach(id)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("ошибка закрытия ресурса")
		}
	}
	a.closers = nil
}
