package session

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/televisit/pkg/audit"
	"github.com/arzzra/televisit/pkg/consultation"
)

func TestLifecycleHappyPath(t *testing.T) {
	l := newLifecycle(consultation.StateSecurityValidation, 16)
	ctx := context.Background()

	steps := []struct {
		event string
		want  consultation.State
	}{
		{eventBeginConnect, consultation.StateConnecting},
		{eventConnected, consultation.StateInProgress},
		{eventDegrade, consultation.StateRecoveryMode},
		{eventRecover, consultation.StateInProgress},
		{eventEnd, consultation.StateEnded},
	}
	for _, step := range steps {
		tr, err := l.fire(ctx, step.event, audit.TriggerEndRequest, consultation.CodeNone)
		require.NoError(t, err, step.event)
		assert.Equal(t, step.want, tr.To)
		assert.Equal(t, step.want, l.Current())
	}

	_, err := l.fire(ctx, eventFail, audit.TriggerExhausted, consultation.CodeExhausted)
	assert.Error(t, err, "из терминального состояния переходов нет")
	assert.Len(t, l.History(), len(steps))
}

func TestLifecycleRejectsSkippingSecurity(t *testing.T) {
	l := newLifecycle(consultation.StateSecurityValidation, 16)
	assert.False(t, l.Can(eventConnected))
	assert.False(t, l.Can(eventDegrade))

	_, err := l.fire(context.Background(), eventConnected, audit.TriggerConnected, consultation.CodeNone)
	assert.Error(t, err)
	assert.Equal(t, consultation.StateSecurityValidation, l.Current())
	assert.Empty(t, l.History())
}

func TestLifecycleRecordsTriggerAndReason(t *testing.T) {
	l := newLifecycle(consultation.StateSecurityValidation, 16)
	tr, err := l.fire(context.Background(), eventFail, audit.TriggerSecurityCheck, consultation.CodeSecurityViolation)
	require.NoError(t, err)
	assert.Equal(t, consultation.StateSecurityValidation, tr.From)
	assert.Equal(t, consultation.StateError, tr.To)
	assert.Equal(t, audit.TriggerSecurityCheck, tr.Trigger)
	assert.Equal(t, consultation.CodeSecurityViolation, tr.Reason)
}

func TestLifecycleHistoryIsCapped(t *testing.T) {
	l := newLifecycle(consultation.StateSecurityValidation, 3)
	ctx := context.Background()
	_, _ = l.fire(ctx, eventBeginConnect, "", consultation.CodeNone)
	_, _ = l.fire(ctx, eventConnected, "", consultation.CodeNone)
	for i := 0; i < 5; i++ {
		_, _ = l.fire(ctx, eventDegrade, "", consultation.CodeNone)
		_, _ = l.fire(ctx, eventRecover, "", consultation.CodeNone)
	}
	history := l.History()
	require.Len(t, history, 3)
	assert.Equal(t, eventRecover, history[2].Event)
}

// Любая последовательность событий: InProgress достижим только через
// Connecting, а терминальное состояние поглощающее.
func TestLifecycleProperties(t *testing.T) {
	events := []string{eventBeginConnect, eventConnected, eventDegrade, eventRecover, eventEnd, eventFail}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("переходы не нарушают порядок жизненного цикла", prop.ForAll(
		func(seq []int) bool {
			l := newLifecycle(consultation.StateSecurityValidation, 256)
			terminalSeen := false
			for _, i := range seq {
				before := l.Current()
				tr, err := l.fire(context.Background(), events[i], "", consultation.CodeNone)
				if terminalSeen && err == nil {
					return false
				}
				if err != nil {
					if l.Current() != before {
						return false
					}
					continue
				}
				if tr.To == consultation.StateInProgress &&
					tr.From != consultation.StateConnecting && tr.From != consultation.StateRecoveryMode {
					return false
				}
				if tr.To.IsTerminal() {
					terminalSeen = true
				}
			}
			for i, tr := range l.History() {
				if i == 0 && tr.From != consultation.StateSecurityValidation {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(events)-1)),
	))

	properties.TestingRun(t)
}
