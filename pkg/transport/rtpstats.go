package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/televisit/pkg/quality"
)

// DefaultClockRate частота RTP часов по умолчанию (аудио 8 кГц)
const DefaultClockRate = 8000

// StatsEstimator вычисляет метрику качества по принятым RTP пакетам одного
// источника. Потери считаются по разрывам sequence number с учетом
// переполнения, jitter по RFC 3550 A.8, битрейт за интервал между вызовами
// Sample. Задержка в одну сторону оценивается как RTT/2, RTT передается
// снаружи (например, из RTCP отчетов).
type StatsEstimator struct {
	mu        sync.Mutex
	clockRate uint32

	started     bool
	epoch       time.Time
	ssrc        uint32
	maxSeq      uint16
	cycles      uint32
	lastTransit int64
	jitter      float64 // в единицах RTP timestamp

	// счетчики текущего интервала
	intervalStart    time.Time
	intervalBaseExt  uint32
	intervalReceived uint32
	intervalBytes    uint64

	rtt time.Duration
}

// NewStatsEstimator создает оценщик для заданной частоты RTP часов
func NewStatsEstimator(clockRate uint32) *StatsEstimator {
	if clockRate == 0 {
		clockRate = DefaultClockRate
	}
	return &StatsEstimator{clockRate: clockRate}
}

// SetRTT обновляет измеренное время двойного пробега
func (e *StatsEstimator) SetRTT(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rtt = rtt
}

// PushRaw разбирает сырой RTP пакет и учитывает его
func (e *StatsEstimator) PushRaw(buf []byte, arrival time.Time) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return fmt.Errorf("ошибка разбора RTP пакета: %w", err)
	}
	e.Push(pkt, arrival)
	return nil
}

// Push учитывает принятый пакет. Пакеты другого SSRC сбрасывают статистику.
func (e *StatsEstimator) Push(pkt *rtp.Packet, arrival time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := pkt.SequenceNumber
	if !e.started || pkt.SSRC != e.ssrc {
		e.started = true
		e.ssrc = pkt.SSRC
		e.epoch = arrival
		e.maxSeq = seq
		e.cycles = 0
		e.jitter = 0
		e.lastTransit = e.transit(pkt.Timestamp, arrival)
		e.intervalStart = arrival
		e.intervalBaseExt = uint32(seq) - 1
		e.intervalReceived = 1
		e.intervalBytes = uint64(pkt.MarshalSize())
		return
	}

	// пакет впереди максимального (с учетом переполнения)
	if delta := seq - e.maxSeq; delta != 0 && delta < 0x8000 {
		if seq < e.maxSeq {
			e.cycles += 1 << 16
		}
		e.maxSeq = seq
	}

	transit := e.transit(pkt.Timestamp, arrival)
	d := transit - e.lastTransit
	if d < 0 {
		d = -d
	}
	e.jitter += (float64(d) - e.jitter) / 16.0
	e.lastTransit = transit

	e.intervalReceived++
	e.intervalBytes += uint64(pkt.MarshalSize())
}

func (e *StatsEstimator) transit(timestamp uint32, arrival time.Time) int64 {
	arrivalUnits := int64(arrival.Sub(e.epoch)) * int64(e.clockRate) / int64(time.Second)
	return arrivalUnits - int64(timestamp)
}

func (e *StatsEstimator) extendedMax() uint32 {
	return e.cycles + uint32(e.maxSeq)
}

// Sample возвращает метрику за интервал с прошлого вызова и начинает новый
func (e *StatsEstimator) Sample(now time.Time) (quality.Sample, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return quality.Sample{}, fmt.Errorf("нет принятых RTP пакетов")
	}

	s := quality.Sample{
		At:      now,
		Latency: e.rtt / 2,
		Jitter:  time.Duration(e.jitter / float64(e.clockRate) * float64(time.Second)),
	}

	ext := e.extendedMax()
	expected := ext - e.intervalBaseExt
	if expected > 0 && expected >= e.intervalReceived {
		s.PacketLoss = float64(expected-e.intervalReceived) / float64(expected)
	}

	if elapsed := now.Sub(e.intervalStart); elapsed > 0 {
		s.Bitrate = uint64(float64(e.intervalBytes*8) / elapsed.Seconds())
	}

	e.intervalStart = now
	e.intervalBaseExt = ext
	e.intervalReceived = 0
	e.intervalBytes = 0
	return s, nil
}
