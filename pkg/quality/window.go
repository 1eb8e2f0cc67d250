package quality

import "time"

// DefaultWindowSize размер скользящего окна по умолчанию
const DefaultWindowSize = 10

// Sample одно измерение статистики транспорта
type Sample struct {
	At         time.Time     `json:"at"`
	Latency    time.Duration `json:"latency"`
	Jitter     time.Duration `json:"jitter"`
	PacketLoss float64       `json:"packet_loss"` // доля 0..1
	Bitrate    uint64        `json:"bitrate"`     // bps
}

// Window ограниченное скользящее окно последних измерений.
// При переполнении вытесняется самое старое. Не потокобезопасно.
type Window struct {
	buf   []Sample
	start int
	size  int
}

// NewWindow создает окно заданной емкости (не меньше 1)
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Sample, capacity)}
}

// Cap возвращает емкость окна
func (w *Window) Cap() int { return len(w.buf) }

// Len возвращает количество измерений в окне
func (w *Window) Len() int { return w.size }

// Add добавляет измерение, вытесняя самое старое при переполнении
func (w *Window) Add(s Sample) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = s
		w.size++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// Reset очищает окно и при необходимости засевает его измерениями
func (w *Window) Reset(seed ...Sample) {
	w.start = 0
	w.size = 0
	for _, s := range seed {
		w.Add(s)
	}
}

// Samples возвращает копию содержимого от старого к новому
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Latest возвращает последнее измерение
func (w *Window) Latest() (Sample, bool) {
	if w.size == 0 {
		return Sample{}, false
	}
	return w.buf[(w.start+w.size-1)%len(w.buf)], true
}

// Smoothed возвращает сглаженное измерение: среднее арифметическое задержки,
// джиттера и потерь по окну; битрейт и время берутся из последнего измерения.
func (w *Window) Smoothed() (Sample, bool) {
	latest, ok := w.Latest()
	if !ok {
		return Sample{}, false
	}

	var latency, jitter time.Duration
	var loss float64
	for i := 0; i < w.size; i++ {
		s := w.buf[(w.start+i)%len(w.buf)]
		latency += s.Latency
		jitter += s.Jitter
		loss += s.PacketLoss
	}
	n := w.size

	return Sample{
		At:         latest.At,
		Latency:    latency / time.Duration(n),
		Jitter:     jitter / time.Duration(n),
		PacketLoss: loss / float64(n),
		Bitrate:    latest.Bitrate,
	}, true
}
