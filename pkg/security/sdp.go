package security

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
)

const (
	// ProtocolDTLSSRTP ключи SRTP согласованы через DTLS (a=fingerprint)
	ProtocolDTLSSRTP = "DTLS-SRTP"
	// ProtocolSDESSRTP ключи SRTP переданы в SDP (a=crypto)
	ProtocolSDESSRTP = "SDES-SRTP"
)

// InspectSDP определяет, защищены ли все активные медиа потоки описания.
// Поток защищен, если профиль SAVP/SAVPF и есть fingerprint (на уровне
// сессии или потока) либо crypto атрибут. Отклоненные потоки (порт 0)
// и application (data channel) не учитываются.
func InspectSDP(desc *sdp.SessionDescription) (string, bool) {
	if desc == nil {
		return "", false
	}
	_, sessionFingerprint := desc.Attribute("fingerprint")

	protocol := ""
	active := 0
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 || md.MediaName.Media == "application" {
			continue
		}
		active++

		if !isSecureProfile(md.MediaName.Protos) {
			return "", false
		}

		_, mediaFingerprint := md.Attribute("fingerprint")
		_, crypto := md.Attribute("crypto")
		switch {
		case sessionFingerprint || mediaFingerprint:
			if protocol == "" {
				protocol = ProtocolDTLSSRTP
			}
		case crypto:
			if protocol == "" {
				protocol = ProtocolSDESSRTP
			}
		default:
			return "", false
		}
	}

	if active == 0 {
		return "", false
	}
	return protocol, true
}

func isSecureProfile(protos []string) bool {
	if len(protos) == 0 {
		return false
	}
	last := protos[len(protos)-1]
	return last == "SAVP" || last == "SAVPF"
}

// SDPEncryption источник шифрования по согласованному SDP консультации
type SDPEncryption struct {
	mu        sync.RWMutex
	protocols map[string]string
	secure    map[string]bool
}

// NewSDPEncryption создает источник
func NewSDPEncryption() *SDPEncryption {
	return &SDPEncryption{
		protocols: make(map[string]string),
		secure:    make(map[string]bool),
	}
}

// SetRemoteDescription разбирает согласованное SDP и запоминает результат проверки
func (s *SDPEncryption) SetRemoteDescription(consultationID string, raw []byte) error {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return fmt.Errorf("ошибка парсинга SDP: %w", err)
	}

	protocol, secure := InspectSDP(desc)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.secure[consultationID] = secure
	if secure {
		s.protocols[consultationID] = protocol
	} else {
		delete(s.protocols, consultationID)
	}
	return nil
}

// Forget удаляет данные консультации
func (s *SDPEncryption) Forget(consultationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secure, consultationID)
	delete(s.protocols, consultationID)
}

// IsEncryptionActive реализует EncryptionSource
func (s *SDPEncryption) IsEncryptionActive(ctx context.Context, consultationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secure, ok := s.secure[consultationID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownConsultation, consultationID)
	}
	return secure, nil
}

// EncryptionProtocol реализует ProtocolReporter
func (s *SDPEncryption) EncryptionProtocol(consultationID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.protocols[consultationID]
	return p, ok
}
