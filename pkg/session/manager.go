// Package session управляет жизненным циклом консультаций: проверка
// безопасности перед стартом, подключение транспорта, мониторинг качества,
// восстановление связи и журнал аудита каждого перехода.
//
// Каждая консультация обслуживается отдельной горутиной, которая выполняет
// все переходы последовательно. Операции над разными консультациями
// независимы и не блокируют друг друга.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/arzzra/televisit/pkg/audit"
	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/security"
	"github.com/arzzra/televisit/pkg/transport"
)

const tracerName = "github.com/arzzra/televisit/pkg/session"

// Manager реестр консультаций и точка входа для всех операций
type Manager struct {
	cfg      Config
	deps     deps
	registry *prometheus.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// NewManager создает менеджер. Если cfg.Registerer не задан, метрики
// регистрируются в собственном реестре, доступном через Registry.
func NewManager(cfg Config, adapter transport.Adapter, validator security.Validator, sink audit.Sink) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация менеджера: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("адаптер транспорта не может быть nil")
	}
	if validator == nil {
		return nil, fmt.Errorf("валидатор безопасности не может быть nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("журнал аудита не может быть nil")
	}

	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}

	reg := cfg.Registerer
	if reg == nil {
		m.registry = prometheus.NewRegistry()
		reg = m.registry
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	protocols, _ := validator.(security.ProtocolReporter)

	m.deps = deps{
		adapter:   adapter,
		gate:      security.NewGate(validator),
		protocols: protocols,
		sink:      sink,
		metrics:   newMetrics(reg),
		tracer:    tracer,
		auditLog:  &rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Registry собственный реестр метрик (nil, если передан внешний Registerer)
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Register добавляет консультацию. Консультация должна быть в SecurityValidation.
// Менеджер становится владельцем переданного значения.
func (m *Manager) Register(c *consultation.Consultation) error {
	if c == nil {
		return newError(consultation.CodeInvalidStatus, "", consultation.StateSecurityValidation, "консультация не может быть nil", nil)
	}
	if err := c.Validate(); err != nil {
		return newError(consultation.CodeInvalidStatus, c.ID, c.State, "невалидная консультация", err)
	}
	if c.State != consultation.StateSecurityValidation {
		return errInvalidStatus(c.ID, c.State, "register")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newError(consultation.CodeInvalidStatus, c.ID, c.State, "менеджер остановлен", nil)
	}
	if _, exists := m.sessions[c.ID]; exists {
		return newError(consultation.CodeInvalidStatus, c.ID, c.State, "повторная регистрация", ErrAlreadyRegistered)
	}

	s, err := newSession(m.ctx, c, m.cfg, m.deps)
	if err != nil {
		return fmt.Errorf("не удалось создать сеанс %s: %w", c.ID, err)
	}
	m.sessions[c.ID] = s
	go s.run()

	s.logger.Info().
		Str("patient_id", c.PatientID).
		Str("provider_id", c.ProviderID).
		Time("scheduled_start", c.ScheduledStart).
		Msg("консультация зарегистрирована")
	return nil
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errUnknown(id)
	}
	return s, nil
}

// Start проверяет безопасность и подключает транспорт. Возвращает nil после
// перехода в InProgress. При отказе проверки, ошибке транспорта или таймауте
// консультация переходит в Error, а ошибка несет соответствующий код.
func (m *Manager) Start(ctx context.Context, id string, opts ...StartOption) (err error) {
	ctx, span := m.deps.tracer.Start(ctx, "session.Start", trace.WithAttributes(attribute.String("consultation.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(CodeOf(err)))
		}
		span.End()
	}()

	s, err := m.get(id)
	if err != nil {
		return err
	}

	o := startOptions{timeout: m.cfg.StartTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	cmd := startCmd{ctx: ctx, opts: o, reply: make(chan error, 1)}
	if !s.post(ctx, cmd) {
		return s.rejectAfterExit(ctx, "start")
	}
	return s.await(cmd.reply, "start")
}

// End завершает консультацию. Идемпотентен: для терминальной консультации
// сразу возвращает nil. Возвращается не позже TeardownGrace, даже если
// транспорт не отвечает.
func (m *Manager) End(ctx context.Context, id string) error {
	_, span := m.deps.tracer.Start(ctx, "session.End", trace.WithAttributes(attribute.String("consultation.id", id)))
	defer span.End()

	s, err := m.get(id)
	if err != nil {
		span.RecordError(err)
		return err
	}

	cmd := endCmd{reply: make(chan error, 1)}
	if !s.post(context.Background(), cmd) {
		return nil
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
	}

	// цикл мог завершиться раньше, чем отключение транспорта ответило.
	// Каждое отключение ограничено TeardownGrace.
	s.teardowns.Wait()
	select {
	case err := <-cmd.reply:
		return err
	default:
		return nil
	}
}

// ToggleAudio переключает аудио трек. Возвращает новое состояние трека.
func (m *Manager) ToggleAudio(ctx context.Context, id string) (bool, error) {
	return m.toggle(ctx, id, transport.TrackAudio)
}

// ToggleVideo переключает видео трек. Возвращает новое состояние трека.
func (m *Manager) ToggleVideo(ctx context.Context, id string) (bool, error) {
	return m.toggle(ctx, id, transport.TrackVideo)
}

func (m *Manager) toggle(ctx context.Context, id string, track transport.Track) (bool, error) {
	s, err := m.get(id)
	if err != nil {
		return false, err
	}

	cmd := toggleCmd{ctx: ctx, track: track, reply: make(chan toggleReply, 1)}
	op := "toggle " + track.String()
	if !s.post(ctx, cmd) {
		return false, s.rejectAfterExit(ctx, op)
	}
	select {
	case r := <-cmd.reply:
		return r.enabled, r.err
	case <-s.done:
		select {
		case r := <-cmd.reply:
			return r.enabled, r.err
		default:
			return false, errInvalidStatus(id, s.snapshot().Consultation.State, op)
		}
	}
}

// HandleTransportEvent принимает асинхронное событие транспорта
func (m *Manager) HandleTransportEvent(id string, ev transport.Event) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.logger.Info().Stringer("kind", ev.Kind).Str("detail", ev.Detail).Msg("событие транспорта")
	s.post(m.ctx, transportEvt{ev: ev})
	return nil
}

// Subscribe подписывает на изменения состояния и качества. Первым приходит
// текущее состояние. Канал закрывается после терминального обновления или
// вызова cancel.
func (m *Manager) Subscribe(id string) (<-chan Update, func(), error) {
	s, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.subs.subscribe()
	return ch, cancel, nil
}

// Snapshot возвращает копию текущего состояния консультации
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// History возвращает выполненные переходы консультации
func (m *Manager) History(id string) ([]Transition, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.lc.History(), nil
}

// IDs возвращает отсортированный список зарегистрированных консультаций
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove завершает консультацию (если она активна) и удаляет ее из реестра
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return errUnknown(id)
	}
	s.cancel()
	return s.wait(ctx)
}

// Shutdown завершает все консультации и ждет окончания отключения транспорта
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// await ждет ответа цикла. Ответ приходит всегда: либо из обработчика,
// либо при переходе в терминальное состояние.
func (s *session) await(reply <-chan error, op string) error {
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return errInvalidStatus(s.id, s.snapshot().Consultation.State, op)
		}
	}
}

// rejectAfterExit ответ на команду, которая не попала в очередь
func (s *session) rejectAfterExit(ctx context.Context, op string) error {
	select {
	case <-s.done:
		return errInvalidStatus(s.id, s.snapshot().Consultation.State, op)
	default:
	}
	return newError(consultation.CodeTimeout, s.id, s.snapshot().Consultation.State,
		"вызывающий прекратил ожидание", ctx.Err())
}

// wait ждет остановки цикла и завершения отключения транспорта
func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	teardown := make(chan struct{})
	go func() {
		s.teardowns.Wait()
		close(teardown)
	}()
	select {
	case <-teardown:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
