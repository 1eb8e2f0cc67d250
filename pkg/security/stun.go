package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

const (
	// DefaultSTUNTimeout таймаут одного binding запроса
	DefaultSTUNTimeout = 2 * time.Second
	// DefaultReachabilityTTL сколько переиспользуется результат проверки
	DefaultReachabilityTTL = 10 * time.Second
)

// probeFunc выполняет один binding запрос к серверу
type probeFunc func(ctx context.Context, server string, timeout time.Duration) (string, error)

// STUNReachability проверяет доступность сети binding запросом к STUN серверам.
// Сеть доступна, если ответил хотя бы один сервер. Результат кэшируется на TTL.
type STUNReachability struct {
	servers []string
	timeout time.Duration
	ttl     time.Duration
	probe   probeFunc
	now     func() time.Time

	mu         sync.Mutex
	checkedAt  time.Time
	reachable  bool
	lastErr    error
	mappedAddr string
}

// STUNOption опция STUNReachability
type STUNOption func(*STUNReachability)

// WithSTUNTimeout задает таймаут одного запроса
func WithSTUNTimeout(d time.Duration) STUNOption {
	return func(s *STUNReachability) { s.timeout = d }
}

// WithReachabilityTTL задает время жизни кэша (0 - без кэша)
func WithReachabilityTTL(d time.Duration) STUNOption {
	return func(s *STUNReachability) { s.ttl = d }
}

// NewSTUNReachability создает проверку доступности
func NewSTUNReachability(servers []string, opts ...STUNOption) (*STUNReachability, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("не указан ни один STUN сервер")
	}
	s := &STUNReachability{
		servers: servers,
		timeout: DefaultSTUNTimeout,
		ttl:     DefaultReachabilityTTL,
		probe:   probeSTUNServer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IsNetworkReachable реализует Reachability
func (s *STUNReachability) IsNetworkReachable(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.ttl > 0 && !s.checkedAt.IsZero() && s.now().Sub(s.checkedAt) < s.ttl {
		reachable, err := s.reachable, s.lastErr
		s.mu.Unlock()
		return reachable, err
	}
	s.mu.Unlock()

	var lastErr error
	reachable := false
	mapped := ""
	for _, server := range s.servers {
		addr, err := s.probe(ctx, server, s.timeout)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		reachable = true
		mapped = addr
		lastErr = nil
		break
	}

	s.mu.Lock()
	s.checkedAt = s.now()
	s.reachable = reachable
	s.lastErr = lastErr
	if reachable {
		s.mappedAddr = mapped
	}
	s.mu.Unlock()

	return reachable, lastErr
}

// MappedAddress возвращает публичный адрес из последнего успешного ответа
func (s *STUNReachability) MappedAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappedAddr
}

func probeSTUNServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("пустой адрес STUN сервера")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", fmt.Errorf("некорректный STUN URI %q: %w", server, err)
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", fmt.Errorf("не удалось подключиться к %s: %w", server, err)
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
