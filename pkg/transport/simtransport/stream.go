package simtransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/arzzra/televisit/pkg/quality"
	"github.com/arzzra/televisit/pkg/transport"
)

// StreamConfig параметры синтетического медиа потока
type StreamConfig struct {
	SSRC        uint32
	PayloadType uint8
	PayloadSize int           // байт на пакет
	Ptime       time.Duration // интервал пакетизации
	ClockRate   uint32
	DropRate    float64       // вероятность потери пакета в сети
	RTT         time.Duration // RTT, сообщаемый оценщику
	Seed        uint64
}

// DefaultStreamConfig поток G.711: 160 байт каждые 20 мс, 8 кГц
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		SSRC:        0x5EED,
		PayloadType: 0,
		PayloadSize: 160,
		Ptime:       20 * time.Millisecond,
		ClockRate:   8000,
		RTT:         60 * time.Millisecond,
		Seed:        1,
	}
}

// Stream передает RTP пакеты через Network и оценивает качество на приемной стороне
type Stream struct {
	cfg       StreamConfig
	network   *Network
	estimator *transport.StatsEstimator
	logger    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// продолжаются после перезапуска, чтобы приемник не видел сброса
	nextSeq uint16
	nextTS  uint32
}

// NewStream создает поток между двумя адресами собственной Network
func NewStream(cfg StreamConfig, logger zerolog.Logger) *Stream {
	if cfg.Ptime <= 0 {
		cfg.Ptime = 20 * time.Millisecond
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = transport.DefaultClockRate
	}
	network := NewNetwork(cfg.Seed)
	network.SetDropRate(cfg.DropRate)

	estimator := transport.NewStatsEstimator(cfg.ClockRate)
	estimator.SetRTT(cfg.RTT)

	return &Stream{
		cfg:       cfg,
		network:   network,
		estimator: estimator,
		logger:    logger,
	}
}

// SetImpairment меняет потерю пакетов и RTT на лету
func (s *Stream) SetImpairment(dropRate float64, rtt time.Duration) {
	s.network.SetDropRate(dropRate)
	s.estimator.SetRTT(rtt)
}

// Start запускает отправителя и приемник
func (s *Stream) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	rx, err := s.network.Listen(id + "/rx")
	if err != nil {
		return err
	}
	tx, err := s.network.Listen(id + "/tx")
	if err != nil {
		_ = rx.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.receive(rx)
	go s.send(ctx, tx, rx.local)

	go func() {
		<-ctx.Done()
		_ = tx.Close()
		_ = rx.Close()
	}()
	return nil
}

// Stop останавливает поток и ждет завершения горутин
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// Sample метрика качества за интервал с прошлого вызова
func (s *Stream) Sample(now time.Time) (quality.Sample, error) {
	return s.estimator.Sample(now)
}

func (s *Stream) send(ctx context.Context, conn *PacketConn, to Addr) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Ptime)
	defer ticker.Stop()

	samplesPerPacket := uint32(s.cfg.Ptime.Seconds() * float64(s.cfg.ClockRate))
	payload := make([]byte, s.cfg.PayloadSize)
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.cfg.PayloadType,
			SSRC:           s.cfg.SSRC,
			SequenceNumber: s.nextSeq,
			Timestamp:      s.nextTS,
		},
		Payload: payload,
	}
	defer func() {
		s.nextSeq = pkt.SequenceNumber
		s.nextTS = pkt.Timestamp
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		raw, err := pkt.Marshal()
		if err != nil {
			s.logger.Error().Err(err).Msg("ошибка сериализации RTP пакета")
			return
		}
		if _, err := conn.WriteTo(raw, to); err != nil {
			if !errors.Is(err, ErrClosed) {
				s.logger.Debug().Err(err).Msg("ошибка отправки RTP пакета")
			}
			return
		}
		pkt.SequenceNumber++
		pkt.Timestamp += samplesPerPacket
	}
}

func (s *Stream) receive(conn *PacketConn) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if err := s.estimator.PushRaw(buf[:n], time.Now()); err != nil {
			s.logger.Debug().Err(err).Msg("отброшен некорректный пакет")
		}
	}
}
