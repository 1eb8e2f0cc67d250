package audit

import (
	"context"
	"errors"
)

// Fanout дублирует записи во все журналы. Ошибка одного журнала не мешает
// записи в остальные, ошибки объединяются.
type Fanout []Sink

// Append реализует Sink
func (f Fanout) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range f {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
