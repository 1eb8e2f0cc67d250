// level.go - Классификация качества медиа канала по фиксированным порогам
package quality

import (
	"fmt"
	"time"
)

// Level грубая оценка качества канала.
//
// Уровни упорядочены: сравнение через AtLeast корректно.
// Unknown означает, что ни одного измерения еще не было.
type Level int

const (
	LevelUnknown Level = iota
	LevelPoor
	LevelFair
	LevelGood
	LevelExcellent
)

var levelNames = map[Level]string{
	LevelUnknown:   "unknown",
	LevelPoor:      "poor",
	LevelFair:      "fair",
	LevelGood:      "good",
	LevelExcellent: "excellent",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// AtLeast проверяет, что уровень не хуже указанного.
// Unknown не удовлетворяет никакому порогу.
func (l Level) AtLeast(min Level) bool {
	if l == LevelUnknown {
		return false
	}
	return l >= min
}

// ParseLevel преобразует строку в Level
func ParseLevel(s string) (Level, error) {
	for level, name := range levelNames {
		if name == s {
			return level, nil
		}
	}
	return LevelUnknown, fmt.Errorf("неизвестный уровень качества: %q", s)
}

// MarshalText реализует encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// Bound порог одного уровня. Нулевой MinBitrate означает, что битрейт не проверяется.
type Bound struct {
	MaxLatency    time.Duration // строго меньше
	MaxPacketLoss float64       // строго меньше, доля 0..1
	MinBitrate    uint64        // не меньше, bps
}

func (b Bound) satisfied(s Sample) bool {
	if s.Latency >= b.MaxLatency {
		return false
	}
	if s.PacketLoss >= b.MaxPacketLoss {
		return false
	}
	return s.Bitrate >= b.MinBitrate
}

// Thresholds пороги классификации. Все, что не прошло Fair - Poor.
type Thresholds struct {
	Excellent Bound
	Good      Bound
	Fair      Bound
}

// DefaultThresholds возвращает фиксированные пороги:
//   - Excellent: latency < 100ms, loss < 0.5%, bitrate >= 1000 kbps
//   - Good: latency < 200ms, loss < 2%, bitrate >= 500 kbps
//   - Fair: latency < 400ms, loss < 5%
func DefaultThresholds() Thresholds {
	return Thresholds{
		Excellent: Bound{MaxLatency: 100 * time.Millisecond, MaxPacketLoss: 0.005, MinBitrate: 1_000_000},
		Good:      Bound{MaxLatency: 200 * time.Millisecond, MaxPacketLoss: 0.02, MinBitrate: 500_000},
		Fair:      Bound{MaxLatency: 400 * time.Millisecond, MaxPacketLoss: 0.05},
	}
}

// Validate проверяет, что пороги вложены друг в друга
func (t Thresholds) Validate() error {
	if t.Fair.MaxLatency <= 0 || t.Fair.MaxPacketLoss <= 0 {
		return fmt.Errorf("порог Fair должен быть положительным")
	}
	if t.Good.MaxLatency > t.Fair.MaxLatency || t.Excellent.MaxLatency > t.Good.MaxLatency {
		return fmt.Errorf("пороги задержки должны убывать от Fair к Excellent")
	}
	if t.Good.MaxPacketLoss > t.Fair.MaxPacketLoss || t.Excellent.MaxPacketLoss > t.Good.MaxPacketLoss {
		return fmt.Errorf("пороги потерь должны убывать от Fair к Excellent")
	}
	if t.Excellent.MinBitrate < t.Good.MinBitrate {
		return fmt.Errorf("порог битрейта Excellent не может быть меньше Good")
	}
	return nil
}

// Classify чистая функция: одинаковый sample всегда дает одинаковый уровень
func (t Thresholds) Classify(s Sample) Level {
	switch {
	case t.Excellent.satisfied(s):
		return LevelExcellent
	case t.Good.satisfied(s):
		return LevelGood
	case t.Fair.satisfied(s):
		return LevelFair
	default:
		return LevelPoor
	}
}

// Classify классифицирует sample по порогам по умолчанию
func Classify(s Sample) Level {
	return DefaultThresholds().Classify(s)
}
