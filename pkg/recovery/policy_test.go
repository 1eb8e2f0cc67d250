package recovery

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicyDelays(t *testing.T) {
	p := DefaultPolicy()
	assert.NoError(t, p.Validate())

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 2*time.Second, p.Delay(0), "номер попытки меньше 1 трактуется как первая")
}

func TestPolicyDelayCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 10, MaxAttempts: 5, MaxDelay: 30 * time.Second}
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(3))
	assert.Equal(t, 30*time.Second, p.Delay(5))
}

func TestPolicyDelayDoesNotOverflow(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 10, MaxAttempts: 100}
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(60))
	assert.Positive(t, p.Delay(100))
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		ok     bool
	}{
		{"по умолчанию", DefaultPolicy(), true},
		{"нет попыток", Policy{BaseDelay: time.Second, Multiplier: 2}, false},
		{"отрицательная задержка", Policy{BaseDelay: -time.Second, Multiplier: 2, MaxAttempts: 1}, false},
		{"множитель меньше 1", Policy{BaseDelay: time.Second, Multiplier: 0.5, MaxAttempts: 1}, false},
		{"нулевая задержка допустима", Policy{Multiplier: 1, MaxAttempts: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAttemptRemaining(t *testing.T) {
	assert.Equal(t, 2, Attempt{Count: 1, Max: 3}.Remaining())
	assert.Equal(t, 0, Attempt{Count: 3, Max: 3}.Remaining())
}

func TestPolicyDelayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("задержка не убывает и не превышает MaxDelay", prop.ForAll(
		func(baseMs int, mult float64, maxMs int, n int) bool {
			p := Policy{
				BaseDelay:   time.Duration(baseMs) * time.Millisecond,
				Multiplier:  mult,
				MaxAttempts: 10,
				MaxDelay:    time.Duration(maxMs) * time.Millisecond,
			}
			cur, next := p.Delay(n), p.Delay(n+1)
			return cur <= next && next <= p.MaxDelay
		},
		gen.IntRange(0, 5000),
		gen.Float64Range(1, 4),
		gen.IntRange(1, 60000),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}
