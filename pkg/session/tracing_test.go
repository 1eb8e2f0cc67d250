package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/arzzra/televisit/pkg/audit"
	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/quality"
	"github.com/arzzra/televisit/pkg/security"
	"github.com/arzzra/televisit/pkg/transport/simtransport"
)

func TestStartAndEndSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	cfg := testConfig()
	cfg.Registerer = prometheus.NewRegistry()
	cfg.Tracer = provider.Tracer("test")

	validator := security.NewStaticValidator(true)
	validator.SetEncrypted("denied", false)
	adapter := simtransport.New(simtransport.WithDefaultScript(simtransport.Script{Stats: []quality.Sample{goodSample}}))
	m, err := NewManager(cfg, adapter, validator, audit.NewMemorySink())
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	require.NoError(t, m.Register(consultation.New("ok", "p", "d", time.Now())))
	require.NoError(t, m.Register(consultation.New("denied", "p", "d", time.Now())))

	require.NoError(t, m.Start(context.Background(), "ok"))
	require.NoError(t, m.End(context.Background(), "ok"))
	require.Error(t, m.Start(context.Background(), "denied"))

	spans := recorder.Ended()
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "session.Start")
	assert.Contains(t, names, "session.End")

	var failed int
	for _, s := range spans {
		if s.Name() == "session.Start" && s.Status().Code == codes.Error {
			failed++
			assert.Equal(t, "SECURITY_VIOLATION", s.Status().Description)
		}
	}
	assert.Equal(t, 1, failed)
}
