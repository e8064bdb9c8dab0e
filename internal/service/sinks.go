package service

import (
	"context"
	"errors"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

// FanoutSink forwards each batch to every sink. All sinks are attempted;
// their errors are joined.
type FanoutSink []domain.ReadingSink

// PushReading implements domain.ReadingSink.
func (f FanoutSink) PushReading(ctx context.Context, batch domain.ReadingBatch) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.PushReading(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
