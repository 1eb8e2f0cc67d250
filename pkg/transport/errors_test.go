package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/televisit/pkg/consultation"
)

type codedErr struct{ code consultation.Code }

func (e codedErr) Error() string                        { return string(e.code) }
func (e codedErr) ConsultationCode() consultation.Code { return e.code }

func TestNormalize(t *testing.T) {
	assert.NoError(t, Normalize("connect", "c-1", nil))

	raw := errors.New("ice gathering failed")
	err := Normalize("connect", "c-1", raw)
	require.Error(t, err)
	assert.Equal(t, consultation.CodeNetworkError, CodeOf(err))
	assert.ErrorIs(t, err, raw)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
	assert.Equal(t, "c-1", te.ConsultationID)

	timeout := fmt.Errorf("wrapped: %w", codedErr{consultation.CodeTimeout})
	assert.Equal(t, consultation.CodeTimeout, CodeOf(Normalize("connect", "c-1", timeout)))

	assert.Same(t, te, Normalize("connect", "c-1", te).(*Error), "уже нормализованная ошибка не оборачивается повторно")
}

func TestTrackAndEventKindString(t *testing.T) {
	assert.Equal(t, "audio", TrackAudio.String())
	assert.Equal(t, "video", TrackVideo.String())
	assert.Equal(t, "disconnected", EventDisconnected.String())
	assert.Equal(t, "encryption_lost", EventEncryptionLost.String())
}
