package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/televisit/pkg/consultation"
)

func TestEvaluateOrder(t *testing.T) {
	active := consultation.New("c-1", "p", "d", time.Now())
	ended := consultation.New("c-2", "p", "d", time.Now())
	ended.State = consultation.StateEnded

	tests := []struct {
		name string
		c    *consultation.Consultation
		in   Context
		want Decision
	}{
		{"все хорошо", active, Context{EncryptionActive: true, NetworkReachable: true}, Allow()},
		{"сеть недоступна важнее всего", ended, Context{EncryptionActive: false, NetworkReachable: false}, Deny(consultation.CodeNetworkError)},
		{"терминальный статус важнее шифрования", ended, Context{EncryptionActive: false, NetworkReachable: true}, Deny(consultation.CodeInvalidStatus)},
		{"нет шифрования", active, Context{EncryptionActive: false, NetworkReachable: true}, Deny(consultation.CodeSecurityViolation)},
		{"nil консультация", nil, Context{EncryptionActive: true, NetworkReachable: true}, Deny(consultation.CodeInvalidStatus)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.c, tt.in))
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allow", Allow().String())
	assert.Equal(t, "deny(SECURITY_VIOLATION)", Deny(consultation.CodeSecurityViolation).String())
}

type countingValidator struct {
	reachable    bool
	reachErr     error
	encrypted    bool
	encErr       error
	encryptCalls int
}

func (v *countingValidator) IsNetworkReachable(ctx context.Context) (bool, error) {
	return v.reachable, v.reachErr
}

func (v *countingValidator) IsEncryptionActive(ctx context.Context, id string) (bool, error) {
	v.encryptCalls++
	return v.encrypted, v.encErr
}

func TestGateCheckFailsClosed(t *testing.T) {
	c := consultation.New("c-1", "p", "d", time.Now())

	v := &countingValidator{reachable: true, encrypted: true, encErr: errors.New("probe failed")}
	decision, in := NewGate(v).Check(context.Background(), c)
	assert.False(t, decision.Allowed)
	assert.Equal(t, consultation.CodeSecurityViolation, decision.Reason)
	assert.False(t, in.EncryptionActive)

	v = &countingValidator{reachable: true, reachErr: errors.New("stun timeout"), encrypted: true}
	decision, _ = NewGate(v).Check(context.Background(), c)
	assert.Equal(t, consultation.CodeNetworkError, decision.Reason)
	assert.Zero(t, v.encryptCalls, "при недоступной сети шифрование не опрашивается")
}

func TestGateCheckAllows(t *testing.T) {
	c := consultation.New("c-1", "p", "d", time.Now())
	decision, in := NewGate(NewStaticValidator(true)).Check(context.Background(), c)
	require.True(t, decision.Allowed)
	assert.True(t, in.EncryptionActive)
	assert.True(t, in.NetworkReachable)
}

func TestCompositeValidator(t *testing.T) {
	ctx := context.Background()

	_, err := NewValidator(nil).IsEncryptionActive(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNoEncryptionSource)

	on := NewStaticValidator(true)
	off := NewStaticValidator(false)

	active, err := NewValidator(nil, on, on).IsEncryptionActive(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = NewValidator(nil, on, off).IsEncryptionActive(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, active, "нужно согласие всех источников")

	reach := NewStaticValidator(true)
	reach.SetReachable(false)
	reachable, err := NewValidator(reach, on).IsNetworkReachable(ctx)
	require.NoError(t, err)
	assert.False(t, reachable)

	p, ok := NewValidator(nil, off, on).EncryptionProtocol("c-1")
	assert.True(t, ok)
	assert.Equal(t, "DTLS-SRTP", p)
}
