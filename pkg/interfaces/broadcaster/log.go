package broadcaster

import (
	"context"

	"github.com/goliatone/go-jobqueue/pkg/interfaces/logger"
)

// Logging writes every event to lgr at info level.
func Logging(lgr logger.Logger) Broadcaster {
	if lgr == nil {
		return &Nop{}
	}
	return Func(func(ctx context.Context, event Event) error {
		fields := []logger.Field{
			{Key: "topic", Value: event.Topic},
			{Key: "slot", Value: event.Slot},
		}
		if event.JobID != 0 {
			fields = append(fields,
				logger.Field{Key: "job_id", Value: event.JobID},
				logger.Field{Key: "method", Value: event.Method},
			)
		}
		if event.Error != "" {
			fields = append(fields, logger.Field{Key: "error", Value: event.Error})
		}
		lgr.Info("lifecycle event", fields...)
		return nil
	})
}
