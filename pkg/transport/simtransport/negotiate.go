package simtransport

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/dtls/v2"
	"github.com/pion/sdp/v3"
)

// DTLSState состояние DTLS рукопожатия консультации.
// Удовлетворяет security.SRTPNegotiator.
type DTLSState struct {
	mu         sync.RWMutex
	profile    dtls.SRTPProtectionProfile
	negotiated bool
}

// SelectedSRTPProtectionProfile согласованный SRTP профиль
func (d *DTLSState) SelectedSRTPProtectionProfile() (dtls.SRTPProtectionProfile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profile, d.negotiated
}

// Fail имитирует потерю SRTP контекста
func (d *DTLSState) Fail() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.negotiated = false
}

// Negotiation результат согласования медиа консультации
type Negotiation struct {
	Answer []byte // SDP ответ удаленной стороны
	DTLS   *DTLSState
}

// Negotiate согласует медиа консультации по сценарию. С непустым Encryption
// ответ содержит UDP/TLS/RTP/SAVPF и fingerprint, а DTLS согласует
// SRTP_AEAD_AES_128_GCM. Иначе ответ описывает открытый RTP.
// Повторный вызов возвращает то же DTLS состояние.
func (a *Adapter) Negotiate(id string) (Negotiation, error) {
	a.mu.Lock()
	st := a.state(id)
	secure := st.script.Encryption != ""
	if st.dtls == nil {
		st.dtls = &DTLSState{}
	}
	st.dtls.mu.Lock()
	st.dtls.negotiated = secure
	if secure {
		st.dtls.profile = dtls.SRTP_AEAD_AES_128_GCM
	}
	st.dtls.mu.Unlock()
	state := st.dtls
	a.mu.Unlock()

	answer, err := BuildAnswer(id, secure)
	if err != nil {
		return Negotiation{}, err
	}
	return Negotiation{Answer: answer, DTLS: state}, nil
}

// BuildAnswer строит SDP ответ с аудио и видео потоками
func BuildAnswer(id string, secure bool) ([]byte, error) {
	protos := []string{"RTP", "AVP"}
	if secure {
		protos = []string{"UDP", "TLS", "RTP", "SAVPF"}
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID(id),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName:      sdp.SessionName("consultation"),
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	if secure {
		desc.Attributes = append(desc.Attributes, sdp.NewAttribute("fingerprint", Fingerprint(id)))
	}

	media := []struct {
		kind   string
		format string
		rtpmap string
	}{
		{"audio", "111", "111 opus/48000/2"},
		{"video", "96", "96 VP8/90000"},
	}
	for _, m := range media {
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   m.kind,
				Port:    sdp.RangedPort{Value: 9},
				Protos:  protos,
				Formats: []string{m.format},
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: "0.0.0.0"},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", m.rtpmap),
				sdp.NewPropertyAttribute("sendrecv"),
			},
		})
	}
	return desc.Marshal()
}

// Fingerprint детерминированный sha-256 отпечаток сертификата консультации
func Fingerprint(id string) string {
	sum := sha256.Sum256([]byte("consultation:" + id))
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return "sha-256 " + strings.Join(parts, ":")
}

func sessionID(id string) uint64 {
	sum := sha256.Sum256([]byte(id))
	var v uint64
	for _, b := range sum[:8] {
		v = v<<8 | uint64(b)
	}
	return v >> 1
}
