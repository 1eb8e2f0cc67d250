// Package transport описывает медиа транспорт, которым пользуется ядро сессии:
// установка соединения, статистика качества и управление треками.
package transport

import (
	"context"
	"time"

	"github.com/arzzra/televisit/pkg/quality"
)

// Track медиа трек консультации
type Track int

const (
	// TrackAudio аудио трек
	TrackAudio Track = iota
	// TrackVideo видео трек
	TrackVideo
)

func (t Track) String() string {
	switch t {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ConnectResult результат установки соединения
type ConnectResult struct {
	ConnectedAt        time.Time
	EncryptionProtocol string // Если транспорт знает протокол шифрования
}

// Adapter медиа транспорт. Все методы могут завершиться ошибкой и должны
// соблюдать отмену ctx.
type Adapter interface {
	Connect(ctx context.Context, consultationID string) (ConnectResult, error)
	Disconnect(ctx context.Context, consultationID string) error
	GetStats(ctx context.Context, consultationID string) (quality.Sample, error)
	SetTrackEnabled(ctx context.Context, consultationID string, track Track, enabled bool) error
}

// EventKind тип асинхронного события транспорта
type EventKind int

const (
	// EventDisconnected транспорт потерял соединение
	EventDisconnected EventKind = iota + 1
	// EventEncryptionLost транспорт сообщил о потере шифрования
	EventEncryptionLost
)

func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventEncryptionLost:
		return "encryption_lost"
	default:
		return "unknown"
	}
}

// Event событие, которое транспорт передает в сессию
type Event struct {
	Kind   EventKind
	Detail string
	At     time.Time
}
