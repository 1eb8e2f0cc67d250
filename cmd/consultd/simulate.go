package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arzzra/televisit/pkg/consultation"
)

func simulateCmd(opts *rootOptions) *cobra.Command {
	var (
		count    int
		duration time.Duration
		httpAddr string
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Провести консультации на симулированном RTP транспорте с ухудшением сети",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("consultations") {
				cfg.Simulation.Consultations = count
			}
			if flags.Changed("duration") {
				cfg.Simulation.Duration = duration
			}
			if insecure {
				cfg.Simulation.Encrypted = false
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if httpAddr != "" {
				srv := newServer(a)
				go func() {
					if err := srv.Start(httpAddr); err != nil && ctx.Err() == nil {
						logger.Error().Err(err).Msg("HTTP сервер остановлен")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			return runSimulation(ctx, a)
		},
	}

	cmd.Flags().IntVarP(&count, "consultations", "n", 0, "количество одновременных консультаций")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "длительность симуляции")
	cmd.Flags().StringVar(&httpAddr, "http", "", "адрес для /metrics и API на время симуляции")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "симулировать транспорт без шифрования")
	return cmd
}

// runSimulation регистрирует и запускает консультации, ухудшает сеть по
// расписанию и завершает визиты по окончании.
func runSimulation(ctx context.Context, a *app) error {
	sim := a.cfg.Simulation
	logger := a.logger.With().Str("component", "simulation").Logger()

	ctx, cancel := context.WithTimeout(ctx, sim.Duration)
	defer cancel()

	ids := make([]string, 0, sim.Consultations)
	for i := 0; i < sim.Consultations; i++ {
		id := uuid.NewString()
		c := consultation.New(id, "patient-"+id[:8], "provider-"+id[9:13], time.Now())
		if err := a.register(c); err != nil {
			return err
		}
		ids = append(ids, id)
	}

	var watchers sync.WaitGroup
	for _, id := range ids {
		updates, unsubscribe, err := a.manager.Subscribe(id)
		if err != nil {
			return err
		}
		watchers.Add(1)
		go func(id string) {
			defer watchers.Done()
			defer unsubscribe()
			for u := range updates {
				logger.Info().
					Str("consultation_id", id).
					Stringer("state", u.State).
					Stringer("quality", u.Quality).
					Str("trigger", string(u.Trigger)).
					Str("reason", string(u.Reason)).
					Msg("обновление")
			}
		}(id)
	}

	var starts sync.WaitGroup
	for _, id := range ids {
		starts.Add(1)
		go func(id string) {
			defer starts.Done()
			if err := a.manager.Start(ctx, id); err != nil {
				logger.Warn().Err(err).Str("consultation_id", id).Msg("визит не начат")
			}
		}(id)
	}
	starts.Wait()

	impair := time.AfterFunc(sim.ImpairAt, func() {
		logger.Warn().
			Float64("drop_rate", sim.ImpairDropRate).
			Dur("rtt", sim.ImpairRTT).
			Msg("ухудшение сети")
		a.setImpairment(ids, sim.ImpairDropRate, sim.ImpairRTT)
	})
	defer impair.Stop()
	restore := time.AfterFunc(sim.ImpairAt+sim.ImpairFor, func() {
		logger.Info().Msg("сеть восстановлена")
		a.setImpairment(ids, 0, sim.RTT)
	})
	defer restore.Stop()

	<-ctx.Done()

	for _, id := range ids {
		if err := a.manager.End(context.Background(), id); err != nil {
			logger.Warn().Err(err).Str("consultation_id", id).Msg("ошибка завершения")
		}
	}
	watchers.Wait()

	for _, id := range ids {
		snap, err := a.manager.Snapshot(id)
		if err != nil {
			continue
		}
		d, _ := snap.Consultation.Duration()
		history, _ := a.manager.History(id)
		logger.Info().
			Str("consultation_id", id).
			Stringer("state", snap.Consultation.State).
			Dur("duration", d).
			Int("transitions", len(history)).
			Int("violations", len(snap.Consultation.Compliance.Violations)).
			Msg("итог консультации")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.Session.TeardownGrace*2)
	defer cancelShutdown()
	return a.manager.Shutdown(shutdownCtx)
}

func (a *app) setImpairment(ids []string, dropRate float64, rtt time.Duration) {
	for _, id := range ids {
		if stream, ok := a.adapter.Stream(id); ok {
			stream.SetImpairment(dropRate, rtt)
		}
	}
}
