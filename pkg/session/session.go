package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/arzzra/televisit/pkg/audit"
	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/quality"
	"github.com/arzzra/televisit/pkg/recovery"
	"github.com/arzzra/televisit/pkg/security"
	"github.com/arzzra/televisit/pkg/transport"
)

// Snapshot копия состояния консультации для внешних читателей
type Snapshot struct {
	Consultation *consultation.Consultation `json:"consultation"`
	Quality      quality.Level              `json:"quality"`
	AudioEnabled bool                       `json:"audio_enabled"`
	VideoEnabled bool                       `json:"video_enabled"`
	Recovery     *recovery.Attempt          `json:"recovery,omitempty"`
}

// deps общие для всех сеансов менеджера зависимости
type deps struct {
	adapter   transport.Adapter
	gate      *security.Gate
	protocols security.ProtocolReporter
	sink      audit.Sink
	metrics   *metrics
	tracer    trace.Tracer
	auditLog  *rate.Sometimes
}

// Команды API
type startCmd struct {
	ctx   context.Context
	opts  startOptions
	reply chan error
}

type endCmd struct {
	reply chan error
}

type toggleCmd struct {
	ctx   context.Context
	track transport.Track
	reply chan toggleReply
}

type toggleReply struct {
	enabled bool
	err     error
}

// Результаты фоновых операций
type gateDone struct {
	gen      uint64
	decision security.Decision
	in       security.Context
}

type connectDone struct {
	gen uint64
	res transport.ConnectResult
	err error
}

type callerGone struct {
	gen uint64
	err error
}

type qualityEvt struct {
	ev quality.Event
}

type transportEvt struct {
	ev transport.Event
}

type recoveryDone struct {
	gen uint64
	res recovery.Result
}

type complianceDone struct {
	decision security.Decision
}

// session владеет одной консультацией. Все переходы выполняет одна горутина
// run, остальные горутины только присылают события в очередь.
type session struct {
	id     string
	cfg    Config
	logger zerolog.Logger
	deps

	// принадлежат горутине run
	cons           *consultation.Consultation
	pending        *startCmd
	startRequested time.Time
	startGen       uint64
	startCtx       context.Context
	startCancel    context.CancelFunc
	startTimer     *time.Timer
	stopWatch      func() bool
	recoveryGen    uint64
	recoveryCancel context.CancelFunc
	compliance     *time.Ticker
	complianceBusy bool
	level          quality.Level
	audio, video   bool

	lc        *lifecycle
	monitor   *quality.Monitor
	recoverer *recovery.Controller
	subs      *broadcaster

	events    chan interface{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	teardowns sync.WaitGroup

	mu   sync.RWMutex
	snap Snapshot
}

func newSession(parent context.Context, c *consultation.Consultation, cfg Config, d deps) (*session, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		id:     c.ID,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "session").Str("consultation_id", c.ID).Logger(),
		deps:   d,
		cons:   c,
		audio:  true,
		video:  true,
		lc:     newLifecycle(c.State, cfg.HistorySize),
		events: make(chan interface{}, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	monitor, err := quality.NewMonitor(quality.MonitorConfig{
		ConsultationID: c.ID,
		Source:         d.adapter,
		Emit: func(ctx context.Context, ev quality.Event) {
			s.post(ctx, qualityEvt{ev: ev})
		},
		Interval:     cfg.QualityInterval,
		WindowSize:   cfg.WindowSize,
		FailureLimit: cfg.StatsFailureLimit,
		Thresholds:   cfg.Thresholds,
		Logger:       s.logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.monitor = monitor

	recoverer, err := recovery.NewController(recovery.Config{
		Policy: cfg.Recovery,
		Reconnector: recovery.ReconnectFunc(func(ctx context.Context, id string) error {
			_, err := d.adapter.Connect(ctx, id)
			return transport.Normalize("reconnect", id, err)
		}),
		Prober:    monitor,
		OnAttempt: s.onRecoveryAttempt,
		Logger:    s.logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.recoverer = recoverer

	s.subs = newBroadcaster(cfg.SubscriberBuffer, s.update("", consultation.CodeNone))
	s.publishSnapshot()
	return s, nil
}

// post доставляет событие в очередь. false, если сеанс завершен или ctx отменен.
func (s *session) post(ctx context.Context, ev interface{}) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// run цикл обработки событий. Завершается после перехода в терминальное
// состояние или при отмене контекста сеанса.
func (s *session) run() {
	defer close(s.done)

	for {
		var startC, complianceC <-chan time.Time
		if s.startTimer != nil {
			startC = s.startTimer.C
		}
		if s.compliance != nil {
			complianceC = s.compliance.C
		}

		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			s.handle(ev)
		case <-startC:
			s.startTimer = nil
			s.onStartTimeout(audit.TriggerStartTimeout)
		case <-complianceC:
			s.onComplianceTick()
		}

		if s.cons.State.IsTerminal() {
			return
		}
	}
}

func (s *session) handle(ev interface{}) {
	switch e := ev.(type) {
	case startCmd:
		s.onStart(e)
	case endCmd:
		s.onEnd(e)
	case toggleCmd:
		s.onToggle(e)
	case gateDone:
		s.onGateDone(e)
	case connectDone:
		s.onConnectDone(e)
	case callerGone:
		if e.gen == s.startGen {
			s.logger.Warn().Err(e.err).Msg("вызывающий прекратил ожидание start()")
			s.onStartTimeout(audit.TriggerStartTimeout)
		}
	case qualityEvt:
		s.onQuality(e.ev)
	case transportEvt:
		s.onTransportEvent(e.ev)
	case recoveryDone:
		s.onRecoveryDone(e)
	case complianceDone:
		s.onComplianceDone(e)
	default:
		s.logger.Error().Msgf("неизвестное событие %T", ev)
	}
}

// transition выполняет переход, обновляет модель, пишет аудит и уведомляет подписчиков
func (s *session) transition(event string, trigger audit.Trigger, reason consultation.Code) (Transition, bool) {
	t, err := s.lc.fire(context.Background(), event, trigger, reason)
	if err != nil {
		s.logger.Debug().Err(err).Str("event", event).Msg("переход отклонен")
		return Transition{}, false
	}

	s.cons.State = t.To
	switch {
	case t.To == consultation.StateInProgress:
		s.cons.MarkStarted(t.At)
	case t.To.IsTerminal():
		s.cons.MarkEnded(t.At)
	}

	entry := audit.NewEntry(s.id, t.From, t.To, trigger)
	entry.Reason = reason
	s.emitAudit(entry.WithQuality(s.level))

	s.metrics.recordTransition(t)
	s.publishSnapshot()
	s.subs.publish(s.update(trigger, reason))

	s.logger.Info().
		Stringer("from", t.From).
		Stringer("to", t.To).
		Str("trigger", string(trigger)).
		Str("reason", string(reason)).
		Msg("переход состояния")
	return t, true
}

// emitAudit пишет запись с ограничением по времени. Ошибка журнала
// не влияет на переход.
func (s *session) emitAudit(e audit.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuditTimeout)
	defer cancel()

	if err := s.sink.Append(ctx, e); err != nil {
		s.metrics.auditFailures.Inc()
		s.auditLog.Do(func() {
			s.logger.Warn().Err(err).
				Str("audit_id", e.ID).
				Stringer("new_state", e.NewState).
				Msg("не удалось записать событие аудита")
		})
	}
}

func (s *session) update(trigger audit.Trigger, reason consultation.Code) Update {
	return Update{
		ConsultationID: s.id,
		State:          s.cons.State,
		Quality:        s.level,
		Trigger:        trigger,
		Reason:         reason,
		At:             time.Now(),
	}
}

func (s *session) publishSnapshot() {
	clone := s.cons.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Consultation = clone
	s.snap.Quality = s.level
	s.snap.AudioEnabled = s.audio
	s.snap.VideoEnabled = s.video
}

func (s *session) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Consultation = s.snap.Consultation.Clone()
	if s.snap.Recovery != nil {
		attempt := *s.snap.Recovery
		snap.Recovery = &attempt
	}
	return snap
}

func (s *session) setAttempt(a *recovery.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Recovery = a
}

// --- start ---

func (s *session) onStart(cmd startCmd) {
	state := s.cons.State
	if state != consultation.StateSecurityValidation || s.pending != nil {
		cmd.reply <- errInvalidStatus(s.id, state, "start")
		return
	}

	s.pending = &cmd
	s.startRequested = time.Now()
	s.startGen++
	gen := s.startGen

	startCtx, cancel := context.WithCancel(s.ctx)
	s.startCtx, s.startCancel = startCtx, cancel
	s.startTimer = time.NewTimer(cmd.opts.timeout)
	s.stopWatch = context.AfterFunc(cmd.ctx, func() {
		s.post(startCtx, callerGone{gen: gen, err: context.Cause(cmd.ctx)})
	})

	s.logger.Debug().Dur("timeout", cmd.opts.timeout).Msg("запуск проверки безопасности")

	subject := s.cons.Clone()
	s.goSafe("security_gate", func() {
		decision, in := s.gate.Check(startCtx, subject)
		s.post(startCtx, gateDone{gen: gen, decision: decision, in: in})
	}, func(interface{}) {
		s.post(startCtx, gateDone{gen: gen, decision: security.Deny(consultation.CodeSecurityViolation)})
	})
}

func (s *session) onGateDone(ev gateDone) {
	if ev.gen != s.startGen || s.pending == nil || s.cons.State != consultation.StateSecurityValidation {
		return
	}

	s.cons.Compliance.LastComplianceCheck = time.Now()

	entry := audit.NewEntry(s.id, s.cons.State, s.cons.State, audit.TriggerStartRequest)
	entry.Decision = ev.decision.String()
	entry.Reason = ev.decision.Reason
	s.emitAudit(entry)

	if !ev.decision.Allowed {
		reason := ev.decision.Reason
		s.metrics.recordDenial(reason)
		s.logger.Warn().
			Str("reason", string(reason)).
			Bool("encryption_active", ev.in.EncryptionActive).
			Bool("network_reachable", ev.in.NetworkReachable).
			Msg("допуск к сеансу отклонен")
		if reason != consultation.CodeInvalidStatus {
			s.addViolation(reason, "проверка перед началом визита")
		}
		s.terminate(eventFail, audit.TriggerSecurityCheck, reason, nil)
		return
	}

	if s.protocols != nil {
		if p, ok := s.protocols.EncryptionProtocol(s.id); ok {
			s.cons.Compliance.EncryptionProtocol = p
		}
	}
	if _, ok := s.transition(eventBeginConnect, audit.TriggerSecurityCheck, consultation.CodeNone); !ok {
		return
	}

	gen := ev.gen
	connectCtx := s.startCtx

	s.goSafe("connect", func() {
		res, err := s.adapter.Connect(connectCtx, s.id)
		s.post(connectCtx, connectDone{gen: gen, res: res, err: err})
	}, func(v interface{}) {
		s.post(connectCtx, connectDone{gen: gen, err: transport.Normalize("connect", s.id, errPanic(v))})
	})
}

func (s *session) onConnectDone(ev connectDone) {
	if ev.gen != s.startGen || s.cons.State != consultation.StateConnecting {
		return
	}

	if ev.err != nil {
		err := transport.Normalize("connect", s.id, ev.err)
		code := transport.CodeOf(err)
		s.logger.Warn().Err(err).Msg("транспорт не установил соединение")
		s.terminate(eventFail, audit.TriggerConnectFailed, code, err)
		s.teardown(nil)
		return
	}

	if ev.res.EncryptionProtocol != "" {
		s.cons.Compliance.EncryptionProtocol = ev.res.EncryptionProtocol
	}
	if _, ok := s.transition(eventConnected, audit.TriggerConnected, consultation.CodeNone); !ok {
		return
	}

	s.metrics.observeStart(time.Since(s.startRequested))
	s.finishStart(nil)

	if err := s.monitor.Start(s.ctx); err != nil {
		s.logger.Error().Err(err).Msg("не удалось запустить монитор качества")
	}
	if s.cfg.ComplianceInterval > 0 {
		s.compliance = time.NewTicker(s.cfg.ComplianceInterval)
	}
}

// onStartTimeout start() не дошел до InProgress вовремя
func (s *session) onStartTimeout(trigger audit.Trigger) {
	if s.pending == nil {
		return
	}
	state := s.cons.State
	if state != consultation.StateSecurityValidation && state != consultation.StateConnecting {
		return
	}
	s.logger.Warn().Stringer("state", state).Msg("таймаут запуска сеанса")
	s.terminate(eventFail, trigger, consultation.CodeTimeout, nil)
	if state == consultation.StateConnecting {
		s.teardown(nil)
	}
}

// finishStart отвечает ожидающему start() и освобождает его ресурсы
func (s *session) finishStart(err error) {
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	if s.startCancel != nil {
		s.startCancel()
		s.startCtx, s.startCancel = nil, nil
	}
	if s.pending != nil {
		s.pending.reply <- err
		s.pending = nil
	}
}

// --- end / terminal ---

func (s *session) onEnd(cmd endCmd) {
	prior := s.cons.State
	if prior.IsTerminal() {
		cmd.reply <- nil
		return
	}

	s.terminate(eventEnd, audit.TriggerEndRequest, consultation.CodeNone, nil)

	if prior == consultation.StateSecurityValidation {
		cmd.reply <- nil
		return
	}
	s.teardown(cmd.reply)
}

// terminate переводит сеанс в Ended или Error и останавливает всю фоновую работу
func (s *session) terminate(event string, trigger audit.Trigger, reason consultation.Code, cause error) {
	prior := s.cons.State
	if _, ok := s.transition(event, trigger, reason); !ok {
		return
	}

	s.monitor.Stop()
	if s.recoveryCancel != nil {
		s.recoveryCancel()
		s.recoveryCancel = nil
		s.setAttempt(nil)
	}
	if s.compliance != nil {
		s.compliance.Stop()
		s.compliance = nil
	}

	var startErr error
	if s.pending != nil {
		if event == eventFail {
			startErr = errorForCode(reason, s.id, s.cons.State, cause)
		} else {
			startErr = newError(consultation.CodeInvalidStatus, s.id, s.cons.State, "визит завершен до подключения", nil)
		}
	}
	s.finishStart(startErr)
	s.subs.close()

	s.logger.Info().
		Stringer("prior", prior).
		Stringer("state", s.cons.State).
		Str("reason", string(reason)).
		Msg("сеанс завершен")
}

// teardown отключает транспорт не дольше TeardownGrace. reply получает nil
// в любом случае: локальное состояние уже очищено.
func (s *session) teardown(reply chan<- error) {
	grace := s.cfg.TeardownGrace
	s.teardowns.Add(1)
	go func() {
		defer s.teardowns.Done()

		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		result := make(chan error, 1)
		s.goSafe("disconnect", func() {
			result <- s.adapter.Disconnect(ctx, s.id)
		}, func(v interface{}) {
			result <- errPanic(v)
		})

		var err error
		select {
		case err = <-result:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			s.logger.Warn().Err(err).Dur("grace", grace).
				Msg("транспорт не завершил соединение, локальное состояние очищено")
		}
		if reply != nil {
			reply <- nil
		}
	}()
}

// shutdown отмена контекста сеанса (Remove или Shutdown менеджера)
func (s *session) shutdown() {
	prior := s.cons.State
	if prior.IsTerminal() {
		return
	}
	s.terminate(eventEnd, audit.TriggerShutdown, consultation.CodeNone, nil)
	if prior != consultation.StateSecurityValidation {
		s.teardown(nil)
	}
}

// --- in-call ---

func (s *session) onToggle(cmd toggleCmd) {
	state := s.cons.State
	if !state.IsConnected() {
		cmd.reply <- toggleReply{err: errInvalidStatus(s.id, state, "toggle "+cmd.track.String())}
		return
	}

	current := s.audio
	if cmd.track == transport.TrackVideo {
		current = s.video
	}
	enabled := !current

	ctx, cancel := context.WithTimeout(cmd.ctx, s.cfg.TrackTimeout)
	defer cancel()
	if err := s.adapter.SetTrackEnabled(ctx, s.id, cmd.track, enabled); err != nil {
		norm := transport.Normalize("set_track", s.id, err)
		cmd.reply <- toggleReply{enabled: current, err: errorForCode(transport.CodeOf(norm), s.id, state, norm)}
		return
	}

	if cmd.track == transport.TrackVideo {
		s.video = enabled
	} else {
		s.audio = enabled
	}
	s.publishSnapshot()
	cmd.reply <- toggleReply{enabled: enabled}
}

func (s *session) onQuality(ev quality.Event) {
	if s.cons.State != consultation.StateInProgress {
		return
	}

	switch ev.Type {
	case quality.EventLevelChanged:
		s.level = ev.Current
		s.metrics.recordQuality(ev.Current)
		s.publishSnapshot()
		s.subs.publish(s.update(audit.TriggerQualityChange, consultation.CodeNone))

		s.logger.Debug().
			Stringer("previous", ev.Previous).
			Stringer("current", ev.Current).
			Dur("latency", ev.Sample.Latency).
			Float64("packet_loss", ev.Sample.PacketLoss).
			Msg("уровень качества изменился")

		if ev.Current == quality.LevelPoor {
			s.degrade(audit.TriggerQualityChange, consultation.CodeNone)
		}
	case quality.EventStatsLost:
		s.logger.Warn().Err(ev.Err).Msg("статистика транспорта потеряна")
		s.degrade(audit.TriggerStatsLost, consultation.CodeNetworkError)
	}
}

func (s *session) onTransportEvent(ev transport.Event) {
	state := s.cons.State
	switch ev.Kind {
	case transport.EventDisconnected:
		if state == consultation.StateInProgress {
			s.degrade(audit.TriggerDisconnected, consultation.CodeNetworkError)
		}
	case transport.EventEncryptionLost:
		if state.IsTerminal() {
			return
		}
		s.addViolation(consultation.CodeSecurityViolation, ev.Detail)
		s.terminate(eventFail, audit.TriggerEncryptionLost, consultation.CodeSecurityViolation, nil)
		if state != consultation.StateSecurityValidation {
			s.teardown(nil)
		}
	}
}

func (s *session) addViolation(code consultation.Code, detail string) {
	err := s.cons.AddViolation(consultation.Violation{Code: code, Detail: detail, At: time.Now()})
	if err != nil {
		s.logger.Debug().Err(err).Msg("нарушение не записано")
	}
}

// --- recovery ---

func (s *session) degrade(trigger audit.Trigger, reason consultation.Code) {
	if _, ok := s.transition(eventDegrade, trigger, reason); !ok {
		return
	}
	s.monitor.Stop()
	s.startRecovery()
}

func (s *session) startRecovery() {
	s.recoveryGen++
	gen := s.recoveryGen

	ctx, cancel := context.WithCancel(s.ctx)
	s.recoveryCancel = cancel

	s.goSafe("recovery", func() {
		spanCtx, span := s.tracer.Start(ctx, "session.recovery",
			trace.WithAttributes(attribute.String("consultation.id", s.id)))
		res := s.recoverer.Run(spanCtx, s.id)
		span.SetAttributes(
			attribute.String("recovery.outcome", res.Outcome.String()),
			attribute.Int("recovery.attempts", res.Attempts),
		)
		span.End()
		s.post(ctx, recoveryDone{gen: gen, res: res})
	}, func(interface{}) {
		s.post(ctx, recoveryDone{gen: gen, res: recovery.Result{Outcome: recovery.Exhausted}})
	})
}

func (s *session) onRecoveryAttempt(a recovery.Attempt) {
	s.mu.Lock()
	if s.snap.Consultation.State != consultation.StateRecoveryMode {
		s.mu.Unlock()
		return
	}
	s.snap.Recovery = &a
	s.mu.Unlock()

	s.metrics.recoveryAttempts.Inc()
	s.logger.Info().
		Int("attempt", a.Count).
		Int("max", a.Max).
		Time("deadline", a.NextDeadline).
		Msg("попытка восстановления")
}

func (s *session) onRecoveryDone(ev recoveryDone) {
	if ev.gen != s.recoveryGen || s.cons.State != consultation.StateRecoveryMode {
		return
	}
	if s.recoveryCancel != nil {
		s.recoveryCancel()
		s.recoveryCancel = nil
	}
	s.setAttempt(nil)
	s.metrics.recordOutcome(ev.res.Outcome)

	switch ev.res.Outcome {
	case recovery.Recovered:
		s.level = s.monitor.Rearm(ev.res.Sample)
		if _, ok := s.transition(eventRecover, audit.TriggerRecovered, consultation.CodeNone); !ok {
			return
		}
		if err := s.monitor.Start(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("не удалось перезапустить монитор качества")
		}
	case recovery.Exhausted:
		s.terminate(eventFail, audit.TriggerExhausted, consultation.CodeExhausted, ev.res.Err)
		s.teardown(nil)
	}
}

// --- compliance ---

func (s *session) onComplianceTick() {
	if s.complianceBusy || !s.cons.State.IsConnected() {
		return
	}
	s.complianceBusy = true

	subject := s.cons.Clone()
	s.goSafe("compliance", func() {
		decision, _ := s.gate.Check(s.ctx, subject)
		s.post(s.ctx, complianceDone{decision: decision})
	}, func(interface{}) {
		s.post(s.ctx, complianceDone{decision: security.Allow()})
	})
}

func (s *session) onComplianceDone(ev complianceDone) {
	s.complianceBusy = false
	state := s.cons.State
	if !state.IsConnected() {
		return
	}
	s.cons.Compliance.LastComplianceCheck = time.Now()

	switch ev.decision.Reason {
	case consultation.CodeSecurityViolation:
		s.metrics.recordDenial(ev.decision.Reason)
		s.addViolation(consultation.CodeSecurityViolation, "шифрование не подтверждено во время визита")
		s.terminate(eventFail, audit.TriggerCompliance, consultation.CodeSecurityViolation, nil)
		s.teardown(nil)
	case consultation.CodeNetworkError:
		s.metrics.recordDenial(ev.decision.Reason)
		s.addViolation(consultation.CodeNetworkError, "сеть недоступна во время визита")
		if state == consultation.StateInProgress {
			s.degrade(audit.TriggerCompliance, consultation.CodeNetworkError)
		} else {
			s.publishSnapshot()
		}
	default:
		s.publishSnapshot()
	}
}
