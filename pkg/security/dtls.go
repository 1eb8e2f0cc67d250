package security

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/dtls/v2"
)

// SRTPNegotiator DTLS соединение, способное сообщить согласованный SRTP профиль
type SRTPNegotiator interface {
	SelectedSRTPProtectionProfile() (dtls.SRTPProtectionProfile, bool)
}

var _ SRTPNegotiator = (*dtls.Conn)(nil)

var srtpProfileNames = map[dtls.SRTPProtectionProfile]string{
	dtls.SRTP_AES128_CM_HMAC_SHA1_80: "SRTP_AES128_CM_HMAC_SHA1_80",
	dtls.SRTP_AES128_CM_HMAC_SHA1_32: "SRTP_AES128_CM_HMAC_SHA1_32",
	dtls.SRTP_AEAD_AES_128_GCM:       "SRTP_AEAD_AES_128_GCM",
	dtls.SRTP_AEAD_AES_256_GCM:       "SRTP_AEAD_AES_256_GCM",
}

// SRTPProfileName возвращает имя профиля
func SRTPProfileName(p dtls.SRTPProtectionProfile) string {
	if name, ok := srtpProfileNames[p]; ok {
		return name
	}
	return fmt.Sprintf("SRTP_PROFILE_0x%04x", uint16(p))
}

// DTLSEncryption источник шифрования по DTLS соединениям консультаций.
// Шифрование активно, если DTLS handshake согласовал известный SRTP профиль.
type DTLSEncryption struct {
	mu    sync.RWMutex
	conns map[string]SRTPNegotiator
}

// NewDTLSEncryption создает источник
func NewDTLSEncryption() *DTLSEncryption {
	return &DTLSEncryption{conns: make(map[string]SRTPNegotiator)}
}

// Attach привязывает DTLS соединение к консультации
func (d *DTLSEncryption) Attach(consultationID string, conn SRTPNegotiator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[consultationID] = conn
}

// Detach отвязывает соединение
func (d *DTLSEncryption) Detach(consultationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, consultationID)
}

func (d *DTLSEncryption) profile(consultationID string) (dtls.SRTPProtectionProfile, bool, error) {
	d.mu.RLock()
	conn, ok := d.conns[consultationID]
	d.mu.RUnlock()
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", ErrUnknownConsultation, consultationID)
	}
	profile, negotiated := conn.SelectedSRTPProtectionProfile()
	if !negotiated {
		return 0, false, nil
	}
	_, known := srtpProfileNames[profile]
	return profile, known, nil
}

// IsEncryptionActive реализует EncryptionSource
func (d *DTLSEncryption) IsEncryptionActive(ctx context.Context, consultationID string) (bool, error) {
	_, active, err := d.profile(consultationID)
	return active, err
}

// EncryptionProtocol реализует ProtocolReporter
func (d *DTLSEncryption) EncryptionProtocol(consultationID string) (string, bool) {
	profile, active, err := d.profile(consultationID)
	if err != nil || !active {
		return "", false
	}
	return ProtocolDTLSSRTP + "/" + SRTPProfileName(profile), true
}
