package security

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoEncryptionSource у валидатора нет ни одного источника данных о шифровании
	ErrNoEncryptionSource = errors.New("не настроен ни один источник данных о шифровании")
	// ErrUnknownConsultation источник ничего не знает о консультации
	ErrUnknownConsultation = errors.New("нет данных о шифровании для консультации")
)

// Validator внешняя compliance проверка, потребляемая ядром
type Validator interface {
	IsEncryptionActive(ctx context.Context, consultationID string) (bool, error)
	IsNetworkReachable(ctx context.Context) (bool, error)
}

// Reachability источник данных о доступности сети
type Reachability interface {
	IsNetworkReachable(ctx context.Context) (bool, error)
}

// EncryptionSource источник данных о шифровании транспорта консультации
type EncryptionSource interface {
	IsEncryptionActive(ctx context.Context, consultationID string) (bool, error)
}

// ProtocolReporter опционально сообщает название протокола шифрования
type ProtocolReporter interface {
	EncryptionProtocol(consultationID string) (string, bool)
}

// CompositeValidator объединяет проверку сети и несколько источников шифрования.
// Шифрование считается активным, только если все источники согласны.
type CompositeValidator struct {
	reach   Reachability
	sources []EncryptionSource
}

// NewValidator создает составной валидатор
func NewValidator(reach Reachability, sources ...EncryptionSource) *CompositeValidator {
	return &CompositeValidator{reach: reach, sources: sources}
}

// IsNetworkReachable реализует Validator
func (v *CompositeValidator) IsNetworkReachable(ctx context.Context) (bool, error) {
	if v.reach == nil {
		return true, nil
	}
	return v.reach.IsNetworkReachable(ctx)
}

// IsEncryptionActive реализует Validator
func (v *CompositeValidator) IsEncryptionActive(ctx context.Context, consultationID string) (bool, error) {
	if len(v.sources) == 0 {
		return false, ErrNoEncryptionSource
	}
	for _, src := range v.sources {
		active, err := src.IsEncryptionActive(ctx, consultationID)
		if err != nil {
			return false, err
		}
		if !active {
			return false, nil
		}
	}
	return true, nil
}

// EncryptionProtocol возвращает протокол первого источника, который его знает
func (v *CompositeValidator) EncryptionProtocol(consultationID string) (string, bool) {
	for _, src := range v.sources {
		if r, ok := src.(ProtocolReporter); ok {
			if p, ok := r.EncryptionProtocol(consultationID); ok {
				return p, true
			}
		}
	}
	return "", false
}

// StaticValidator валидатор с явно выставляемыми ответами
type StaticValidator struct {
	mu        sync.RWMutex
	encrypted map[string]bool
	reachable bool
	protocol  string
	defaultOn bool
}

// NewStaticValidator создает валидатор: сеть доступна, шифрование по умолчанию encrypted
func NewStaticValidator(encrypted bool) *StaticValidator {
	return &StaticValidator{
		encrypted: make(map[string]bool),
		reachable: true,
		protocol:  ProtocolDTLSSRTP,
		defaultOn: encrypted,
	}
}

// SetReachable выставляет доступность сети
func (s *StaticValidator) SetReachable(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = reachable
}

// SetEncrypted выставляет состояние шифрования для консультации
func (s *StaticValidator) SetEncrypted(consultationID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encrypted[consultationID] = active
}

// IsNetworkReachable реализует Validator
func (s *StaticValidator) IsNetworkReachable(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reachable, nil
}

// IsEncryptionActive реализует Validator
func (s *StaticValidator) IsEncryptionActive(ctx context.Context, consultationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if active, ok := s.encrypted[consultationID]; ok {
		return active, nil
	}
	return s.defaultOn, nil
}

// EncryptionProtocol реализует ProtocolReporter
func (s *StaticValidator) EncryptionProtocol(consultationID string) (string, bool) {
	active, _ := s.IsEncryptionActive(context.Background(), consultationID)
	if !active {
		return "", false
	}
	return s.protocol, true
}
