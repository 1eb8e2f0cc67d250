package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/televisit/pkg/audit"
	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/quality"
	"github.com/arzzra/televisit/pkg/recovery"
	"github.com/arzzra/televisit/pkg/security"
	"github.com/arzzra/televisit/pkg/transport"
	"github.com/arzzra/televisit/pkg/transport/simtransport"
)

var (
	goodSample = quality.Sample{Latency: 40 * time.Millisecond, Jitter: 5 * time.Millisecond, Bitrate: 2_000_000}
	poorSample = quality.Sample{Latency: 900 * time.Millisecond, Jitter: 80 * time.Millisecond, PacketLoss: 0.2, Bitrate: 64_000}
)

type harness struct {
	m         *Manager
	adapter   *simtransport.Adapter
	validator *security.StaticValidator
	sink      *audit.MemorySink
	reg       *prometheus.Registry
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StartTimeout = 2 * time.Second
	cfg.TeardownGrace = 200 * time.Millisecond
	cfg.AuditTimeout = 100 * time.Millisecond
	cfg.QualityInterval = 10 * time.Millisecond
	cfg.WindowSize = 1
	cfg.ComplianceInterval = 0
	cfg.Recovery = recovery.Policy{BaseDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 3, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, cfg Config, script simtransport.Script) *harness {
	t.Helper()

	h := &harness{
		adapter:   simtransport.New(simtransport.WithDefaultScript(script)),
		validator: security.NewStaticValidator(true),
		sink:      audit.NewMemorySink(),
		reg:       prometheus.NewRegistry(),
	}
	cfg.Registerer = h.reg

	m, err := NewManager(cfg, h.adapter, h.validator, h.sink)
	require.NoError(t, err)
	h.m = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return h
}

func (h *harness) register(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.m.Register(consultation.New(id, "patient-"+id, "doctor-1", time.Now())))
}

func (h *harness) state(t *testing.T, id string) consultation.State {
	t.Helper()
	snap, err := h.m.Snapshot(id)
	require.NoError(t, err)
	return snap.Consultation.State
}

func (h *harness) waitState(t *testing.T, id string, want consultation.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.state(t, id) == want
	}, 3*time.Second, 5*time.Millisecond, "ожидалось состояние %s", want)
}

func countState(states []consultation.State, want consultation.State) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}

func TestStartDeniedWithoutEncryption(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.validator.SetEncrypted("c-1", false)
	h.register(t, "c-1")

	err := h.m.Start(context.Background(), "c-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurityViolation)
	assert.Equal(t, consultation.CodeSecurityViolation, CodeOf(err))

	snap, err := h.m.Snapshot("c-1")
	require.NoError(t, err)
	assert.Equal(t, consultation.StateError, snap.Consultation.State)
	assert.True(t, snap.Consultation.HasViolation(consultation.CodeSecurityViolation))
	assert.Nil(t, snap.Consultation.ActualStart)
	assert.NotNil(t, snap.Consultation.EndTime)
	assert.Zero(t, h.adapter.TotalCalls(), "транспорт не должен вызываться до допуска")

	entries := h.sink.For("c-1")
	require.Len(t, entries, 2)
	assert.Equal(t, audit.TriggerStartRequest, entries[0].Trigger)
	assert.Equal(t, "deny(SECURITY_VIOLATION)", entries[0].Decision)
	assert.Equal(t, consultation.StateError, entries[1].NewState)
	assert.Equal(t, consultation.CodeSecurityViolation, entries[1].Reason)

	err = h.m.Start(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrInvalidStatus, "повторный start из терминального состояния")
}

func TestStartDeniedWhenNetworkUnreachable(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.validator.SetReachable(false)
	h.register(t, "c-1")

	err := h.m.Start(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrNetworkError)
	assert.Equal(t, consultation.StateError, h.state(t, "c-1"))
	assert.Zero(t, h.adapter.TotalCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.deps.metrics.securityDenials.WithLabelValues("NETWORK_ERROR")))
}

func TestStartReachesInProgress(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}, Encryption: "DTLS-SRTP/SRTP_AEAD_AES_128_GCM"})
	h.register(t, "c-1")

	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	snap, err := h.m.Snapshot("c-1")
	require.NoError(t, err)
	assert.Equal(t, consultation.StateInProgress, snap.Consultation.State)
	require.NotNil(t, snap.Consultation.ActualStart)
	assert.False(t, snap.Consultation.Compliance.LastComplianceCheck.IsZero())
	assert.Equal(t, "DTLS-SRTP/SRTP_AEAD_AES_128_GCM", snap.Consultation.Compliance.EncryptionProtocol)
	assert.True(t, snap.AudioEnabled)
	assert.True(t, snap.VideoEnabled)

	entries := h.sink.For("c-1")
	require.Len(t, entries, 3)
	assert.Equal(t, "allow", entries[0].Decision)
	assert.Equal(t, consultation.StateConnecting, entries[1].NewState)
	assert.Equal(t, consultation.StateInProgress, entries[2].NewState)

	assert.Equal(t, 1, h.adapter.CallsFor("c-1", simtransport.OpConnect))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.deps.metrics.sessionsActive))
	assert.Equal(t, 1, testutil.CollectAndCount(h.m.deps.metrics.startDuration))

	h.waitQuality(t, "c-1", quality.LevelExcellent)
}

func (h *harness) waitQuality(t *testing.T, id string, want quality.Level) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := h.m.Snapshot(id)
		return err == nil && snap.Quality == want
	}, 3*time.Second, 5*time.Millisecond)
}

func TestPoorQualityEntersRecoveryOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.BaseDelay = time.Hour
	cfg.Recovery.MaxDelay = time.Hour
	h := newHarness(t, cfg, simtransport.Script{Stats: []quality.Sample{poorSample}})
	h.register(t, "c-1")

	require.NoError(t, h.m.Start(context.Background(), "c-1"))
	h.waitState(t, "c-1", consultation.StateRecoveryMode)

	// монитор остановлен, новых переходов нет
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, countState(h.sink.Transitions("c-1"), consultation.StateRecoveryMode))

	snap, err := h.m.Snapshot("c-1")
	require.NoError(t, err)
	assert.Equal(t, quality.LevelPoor, snap.Quality)
	require.NotNil(t, snap.Recovery)
	assert.Equal(t, 1, snap.Recovery.Count)
	assert.Equal(t, 3, snap.Recovery.Max)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.deps.metrics.qualityChanges.WithLabelValues("poor")))
}

func TestRecoverySucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{
		StatsFunc: func(connects int) quality.Sample {
			if connects < 4 {
				return poorSample
			}
			return goodSample
		},
	})
	h.register(t, "c-1")

	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	require.Eventually(t, func() bool {
		return countState(h.sink.Transitions("c-1"), consultation.StateRecoveryMode) == 1 &&
			h.state(t, "c-1") == consultation.StateInProgress
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, h.adapter.CallsFor("c-1", simtransport.OpConnect), "одно подключение и три попытки")
	assert.Equal(t, []consultation.State{
		consultation.StateConnecting,
		consultation.StateInProgress,
		consultation.StateRecoveryMode,
		consultation.StateInProgress,
	}, h.sink.Transitions("c-1"))

	snap, err := h.m.Snapshot("c-1")
	require.NoError(t, err)
	assert.Nil(t, snap.Recovery)
	assert.Equal(t, quality.LevelExcellent, snap.Quality)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.m.deps.metrics.recoveryAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.deps.metrics.recoveryOutcomes.WithLabelValues("recovered")))
}

func TestRecoveryExhausted(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{poorSample}})
	h.register(t, "c-1")

	require.NoError(t, h.m.Start(context.Background(), "c-1"))
	h.waitState(t, "c-1", consultation.StateError)

	entries := h.sink.For("c-1")
	last := entries[len(entries)-1]
	assert.Equal(t, audit.TriggerExhausted, last.Trigger)
	assert.Equal(t, consultation.CodeExhausted, last.Reason)
	assert.Equal(t, 4, h.adapter.CallsFor("c-1", simtransport.OpConnect))

	require.Eventually(t, func() bool {
		return h.adapter.CallsFor("c-1", simtransport.OpDisconnect) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.m.deps.metrics.sessionsActive))

	polls := h.adapter.CallsFor("c-1", simtransport.OpGetStats)
	time.Sleep(5 * testConfig().QualityInterval)
	assert.Equal(t, polls, h.adapter.CallsFor("c-1", simtransport.OpGetStats), "монитор качества остановлен")
}

func TestStartTimeout(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{ConnectDelay: time.Hour})
	h.register(t, "c-1")

	began := time.Now()
	err := h.m.Start(context.Background(), "c-1", WithStartTimeout(300*time.Millisecond))
	elapsed := time.Since(began)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, consultation.StateError, h.state(t, "c-1"))

	require.Eventually(t, func() bool {
		return h.adapter.CallsFor("c-1", simtransport.OpDisconnect) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartCallerContextCancelled(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{ConnectDelay: time.Hour})
	h.register(t, "c-1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := h.m.Start(ctx, "c-1")
	assert.ErrorIs(t, err, ErrTimeout)
	h.waitState(t, "c-1", consultation.StateError)
}

func TestStartConnectFailure(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{ConnectErrs: []error{errors.New("ice failed")}})
	h.register(t, "c-1")

	err := h.m.Start(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrNetworkError)
	assert.Contains(t, err.Error(), "ice failed")
	assert.Equal(t, consultation.StateError, h.state(t, "c-1"))
}

func TestStartTwiceIsRejected(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{ConnectDelay: 200 * time.Millisecond, Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")

	first := make(chan error, 1)
	go func() { first <- h.m.Start(context.Background(), "c-1") }()
	h.waitState(t, "c-1", consultation.StateConnecting)

	err := h.m.Start(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	require.NoError(t, <-first)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")
	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	require.NoError(t, h.m.End(context.Background(), "c-1"))
	require.NoError(t, h.m.End(context.Background(), "c-1"))

	snap, err := h.m.Snapshot("c-1")
	require.NoError(t, err)
	assert.Equal(t, consultation.StateEnded, snap.Consultation.State)
	require.NotNil(t, snap.Consultation.EndTime)
	d, ok := snap.Consultation.Duration()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, d, time.Duration(0))

	assert.Equal(t, 1, h.adapter.CallsFor("c-1", simtransport.OpDisconnect))
	assert.Equal(t, 1, countState(h.sink.Transitions("c-1"), consultation.StateEnded))
}

func TestEndWaitsForDisconnect(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("c-%d", i)
		h.register(t, id)
		require.NoError(t, h.m.Start(context.Background(), id))

		require.NoError(t, h.m.End(context.Background(), id))
		assert.Equal(t, 1, h.adapter.CallsFor(id, simtransport.OpDisconnect),
			"End возвращается только после отключения транспорта")
	}
}

func TestEndBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{})
	h.register(t, "c-1")

	require.NoError(t, h.m.End(context.Background(), "c-1"))
	assert.Equal(t, consultation.StateEnded, h.state(t, "c-1"))
	assert.Zero(t, h.adapter.TotalCalls())

	assert.ErrorIs(t, h.m.Start(context.Background(), "c-1"), ErrInvalidStatus)
}

func TestEndWithHangingTransport(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}, DisconnectHang: true})
	h.register(t, "c-1")
	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	began := time.Now()
	require.NoError(t, h.m.End(context.Background(), "c-1"))
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, consultation.StateEnded, h.state(t, "c-1"))
}

func TestEndAbortsPendingStart(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{ConnectDelay: time.Hour})
	h.register(t, "c-1")

	started := make(chan error, 1)
	go func() { started <- h.m.Start(context.Background(), "c-1") }()
	h.waitState(t, "c-1", consultation.StateConnecting)

	require.NoError(t, h.m.End(context.Background(), "c-1"))
	err := <-started
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, consultation.StateEnded, h.state(t, "c-1"))
}

func TestToggleTracks(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")

	_, err := h.m.ToggleAudio(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Zero(t, h.adapter.Calls(simtransport.OpSetTrack))

	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	enabled, err := h.m.ToggleAudio(context.Background(), "c-1")
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, h.adapter.TrackEnabled("c-1", transport.TrackAudio))

	enabled, err = h.m.ToggleAudio(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = h.m.ToggleVideo(context.Background(), "c-1")
	require.NoError(t, err)
	assert.False(t, enabled)

	snap, err := h.m.Snapshot("c-1")
	require.NoError(t, err)
	assert.True(t, snap.AudioEnabled)
	assert.False(t, snap.VideoEnabled)

	h.adapter.Update("c-1", func(s *simtransport.Script) { s.TrackErr = errors.New("renegotiation failed") })
	enabled, err = h.m.ToggleVideo(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrNetworkError)
	assert.False(t, enabled, "состояние трека не меняется при ошибке")
	assert.Equal(t, consultation.StateInProgress, h.state(t, "c-1"))

	require.NoError(t, h.m.End(context.Background(), "c-1"))
	_, err = h.m.ToggleAudio(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestSubscribeStream(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")

	updates, cancel, err := h.m.Subscribe("c-1")
	require.NoError(t, err)
	defer cancel()

	first := <-updates
	assert.Equal(t, consultation.StateSecurityValidation, first.State)

	require.NoError(t, h.m.Start(context.Background(), "c-1"))
	h.waitQuality(t, "c-1", quality.LevelExcellent)
	require.NoError(t, h.m.End(context.Background(), "c-1"))

	var got []Update
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case u, ok := <-updates:
			if !ok {
				done = true
				break
			}
			got = append(got, u)
		case <-timeout:
			t.Fatal("поток обновлений не закрылся")
		}
	}

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.True(t, last.Terminal())
	assert.Equal(t, consultation.StateEnded, last.State)
	assert.Equal(t, audit.TriggerEndRequest, last.Trigger)

	var sawQuality bool
	for _, u := range got {
		if u.Trigger == audit.TriggerQualityChange && u.Quality == quality.LevelExcellent {
			sawQuality = true
		}
	}
	assert.True(t, sawQuality)

	late, _, err := h.m.Subscribe("c-1")
	require.NoError(t, err)
	u, ok := <-late
	require.True(t, ok)
	assert.Equal(t, consultation.StateEnded, u.State)
	_, ok = <-late
	assert.False(t, ok)
}

func TestEncryptionLostMidCall(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")
	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	require.NoError(t, h.m.HandleTransportEvent("c-1", transport.Event{Kind: transport.EventEncryptionLost, Detail: "srtp rekey failed"}))
	h.waitState(t, "c-1", consultation.StateError)

	snap, err := h.m.Snapshot("c-1")
	require.NoError(t, err)
	assert.True(t, snap.Consultation.HasViolation(consultation.CodeSecurityViolation))

	entries := h.sink.For("c-1")
	last := entries[len(entries)-1]
	assert.Equal(t, audit.TriggerEncryptionLost, last.Trigger)
	assert.Equal(t, consultation.CodeSecurityViolation, last.Reason)
}

func TestTransportDisconnectEntersRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.BaseDelay = time.Hour
	cfg.Recovery.MaxDelay = time.Hour
	h := newHarness(t, cfg, simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")
	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	require.NoError(t, h.m.HandleTransportEvent("c-1", transport.Event{Kind: transport.EventDisconnected}))
	h.waitState(t, "c-1", consultation.StateRecoveryMode)

	entries := h.sink.For("c-1")
	last := entries[len(entries)-1]
	assert.Equal(t, audit.TriggerDisconnected, last.Trigger)
	assert.Equal(t, consultation.CodeNetworkError, last.Reason)

	// в RecoveryMode можно завершить визит
	require.NoError(t, h.m.End(context.Background(), "c-1"))
	assert.Equal(t, consultation.StateEnded, h.state(t, "c-1"))
}

func TestStatsLostEntersRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.BaseDelay = time.Hour
	cfg.Recovery.MaxDelay = time.Hour
	h := newHarness(t, cfg, simtransport.Script{StatsErr: errors.New("rtcp timeout")})
	h.register(t, "c-1")
	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	h.waitState(t, "c-1", consultation.StateRecoveryMode)
	entries := h.sink.For("c-1")
	assert.Equal(t, audit.TriggerStatsLost, entries[len(entries)-1].Trigger)
}

func TestComplianceRecheckFailsSession(t *testing.T) {
	cfg := testConfig()
	cfg.ComplianceInterval = 20 * time.Millisecond
	h := newHarness(t, cfg, simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")
	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	h.validator.SetEncrypted("c-1", false)
	h.waitState(t, "c-1", consultation.StateError)

	snap, err := h.m.Snapshot("c-1")
	require.NoError(t, err)
	assert.True(t, snap.Consultation.HasViolation(consultation.CodeSecurityViolation))
	entries := h.sink.For("c-1")
	assert.Equal(t, audit.TriggerCompliance, entries[len(entries)-1].Trigger)
}

func TestAuditFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.sink.FailWith(errors.New("disk full"))
	h.register(t, "c-1")

	require.NoError(t, h.m.Start(context.Background(), "c-1"))
	require.NoError(t, h.m.End(context.Background(), "c-1"))

	assert.Equal(t, consultation.StateEnded, h.state(t, "c-1"))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.m.deps.metrics.auditFailures))
}

func TestSlowAuditSinkIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.AuditTimeout = 20 * time.Millisecond
	blocking := audit.SinkFunc(func(ctx context.Context, e audit.Entry) error {
		<-ctx.Done()
		return ctx.Err()
	})

	adapter := simtransport.New(simtransport.WithDefaultScript(simtransport.Script{Stats: []quality.Sample{goodSample}}))
	cfg.Registerer = prometheus.NewRegistry()
	m, err := NewManager(cfg, adapter, security.NewStaticValidator(true), blocking)
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	require.NoError(t, m.Register(consultation.New("c-1", "p", "d", time.Now())))
	require.NoError(t, m.Start(context.Background(), "c-1"))
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})

	const n = 20
	for i := 0; i < n; i++ {
		h.register(t, fmt.Sprintf("c-%02d", i))
	}
	// одна консультация зависает на подключении и не мешает остальным
	h.adapter.SetScript("c-00", simtransport.Script{ConnectDelay: time.Hour})

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.m.Start(context.Background(), fmt.Sprintf("c-%02d", i))
		}(i)
	}
	go func() { _ = h.m.Start(context.Background(), "c-00") }()
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, consultation.StateInProgress, h.state(t, fmt.Sprintf("c-%02d", i)))
	}
	assert.Len(t, h.m.IDs(), n)
}

func TestUnknownConsultation(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{})

	err := h.m.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownConsultation)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = h.m.Snapshot("missing")
	assert.ErrorIs(t, err, ErrUnknownConsultation)
	assert.ErrorIs(t, h.m.End(context.Background(), "missing"), ErrUnknownConsultation)
	assert.ErrorIs(t, h.m.HandleTransportEvent("missing", transport.Event{Kind: transport.EventDisconnected}), ErrUnknownConsultation)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{})
	h.register(t, "c-1")

	err := h.m.Register(consultation.New("c-1", "p", "d", time.Now()))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	ended := consultation.New("c-2", "p", "d", time.Now())
	ended.State = consultation.StateEnded
	assert.ErrorIs(t, h.m.Register(ended), ErrInvalidStatus)

	assert.ErrorIs(t, h.m.Register(nil), ErrInvalidStatus)
}

func TestRemoveEndsActiveSession(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")
	require.NoError(t, h.m.Start(context.Background(), "c-1"))

	require.NoError(t, h.m.Remove(context.Background(), "c-1"))
	_, err := h.m.Snapshot("c-1")
	assert.ErrorIs(t, err, ErrUnknownConsultation)

	entries := h.sink.For("c-1")
	last := entries[len(entries)-1]
	assert.Equal(t, audit.TriggerShutdown, last.Trigger)
	assert.Equal(t, consultation.StateEnded, last.NewState)
	assert.Equal(t, 1, h.adapter.CallsFor("c-1", simtransport.OpDisconnect))
}

func TestShutdownEndsAll(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	for _, id := range []string{"a", "b", "c"} {
		h.register(t, id)
	}
	require.NoError(t, h.m.Start(context.Background(), "a"))
	require.NoError(t, h.m.Start(context.Background(), "b"))

	require.NoError(t, h.m.Shutdown(context.Background()))

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, consultation.StateEnded, h.state(t, id))
	}
	assert.Equal(t, 2, h.adapter.Calls(simtransport.OpDisconnect))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.m.deps.metrics.sessionsActive))

	err := h.m.Register(consultation.New("d", "p", "doc", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestHistory(t *testing.T) {
	h := newHarness(t, testConfig(), simtransport.Script{Stats: []quality.Sample{goodSample}})
	h.register(t, "c-1")
	require.NoError(t, h.m.Start(context.Background(), "c-1"))
	require.NoError(t, h.m.End(context.Background(), "c-1"))

	history, err := h.m.History("c-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, eventBeginConnect, history[0].Event)
	assert.Equal(t, audit.TriggerSecurityCheck, history[0].Trigger)
	assert.Equal(t, eventConnected, history[1].Event)
	assert.Equal(t, eventEnd, history[2].Event)
	assert.Equal(t, consultation.StateEnded, history[2].To)
}

func TestNewManagerValidation(t *testing.T) {
	adapter := simtransport.New()
	validator := security.NewStaticValidator(true)
	sink := audit.NewMemorySink()

	bad := DefaultConfig()
	bad.WindowSize = 0
	_, err := NewManager(bad, adapter, validator, sink)
	assert.Error(t, err)

	_, err = NewManager(DefaultConfig(), nil, validator, sink)
	assert.Error(t, err)
	_, err = NewManager(DefaultConfig(), adapter, nil, sink)
	assert.Error(t, err)
	_, err = NewManager(DefaultConfig(), adapter, validator, nil)
	assert.Error(t, err)

	m, err := NewManager(DefaultConfig(), adapter, validator, sink)
	require.NoError(t, err)
	assert.NotNil(t, m.Registry())
}
