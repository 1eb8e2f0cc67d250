package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen приблизительный предел длины потока
const DefaultStreamMaxLen = 100_000

// streamAdder часть redis клиента, нужная журналу
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink пишет записи в Redis Stream (XADD с ограничением длины)
type RedisStreamSink struct {
	client streamAdder
	stream string
	maxLen int64
}

// RedisOptions параметры подключения
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// NewRedisStreamSink создает журнал с собственным клиентом
func NewRedisStreamSink(opts RedisOptions) *RedisStreamSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisStreamSink(rdb, opts.Stream, opts.MaxLen)
}

// NewRedisStreamSinkWithClient создает журнал поверх существующего клиента
func NewRedisStreamSinkWithClient(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamSink {
	return newRedisStreamSink(client, stream, maxLen)
}

func newRedisStreamSink(client streamAdder, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "consultation:audit"
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Stream имя потока
func (s *RedisStreamSink) Stream() string {
	return s.stream
}

// Append реализует Sink
func (s *RedisStreamSink) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("сериализация записи аудита: %w", err)
	}

	values := map[string]interface{}{
		"id":              e.ID,
		"consultation_id": e.ConsultationID,
		"prior_state":     e.PriorState.String(),
		"new_state":       e.NewState.String(),
		"trigger":         string(e.Trigger),
		"at":              e.At.Format(time.RFC3339Nano),
		"entry":           string(payload),
	}
	if e.Reason.Valid() {
		values["reason"] = string(e.Reason)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis audit error: %w", err)
	}
	return nil
}

// Close закрывает клиент, если журнал им владеет
func (s *RedisStreamSink) Close() error {
	if c, ok := s.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
