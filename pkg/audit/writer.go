package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// WriterSink пишет записи как JSON строки (одна запись на строку)
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
	prefix []byte
}

// NewWriterSink создает журнал поверх w (nil - stdout)
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

// WithPrefix добавляет префикс к каждой строке, например "AUDIT: " для фильтрации
func (s *WriterSink) WithPrefix(prefix string) *WriterSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefix = []byte(prefix)
	return s
}

// Append реализует Sink
func (s *WriterSink) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("сериализация записи аудита: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	line := make([]byte, 0, len(s.prefix)+len(data)+1)
	line = append(line, s.prefix...)
	line = append(line, data...)
	line = append(line, '\n')
	_, err = s.writer.Write(line)
	return err
}
