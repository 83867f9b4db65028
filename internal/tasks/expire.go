package tasks

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/Kermitos690/chargeurs-ch-sub001/internal/obs"
)

// TypeExpirePendingRentals sweeps rentals whose card hold was never confirmed.
const TypeExpirePendingRentals = "rental:expire_pending"

// NewExpirePendingTask builds the periodic sweep task.
func NewExpirePendingTask() *asynq.Task {
	return asynq.NewTask(TypeExpirePendingRentals, nil)
}

// ExpireStore is the store operation the sweeper needs.
type ExpireStore interface {
	ExpirePendingRentals(ctx context.Context, maxAge time.Duration) (int64, error)
}

// ExpireHandler moves stale pending_payment rentals to the failed terminal
// state so abandoned holds do not linger forever.
type ExpireHandler struct {
	Store  ExpireStore
	MaxAge time.Duration
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h ExpireHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	swept, err := h.Store.ExpirePendingRentals(ctx, h.MaxAge)
	if err != nil {
		h.Logger.Error().Err(err).Msg("expire sweep failed")
		return err
	}
	if swept > 0 {
		obs.RentalExpiredTotal.Add(float64(swept))
		h.Logger.Info().Int64("count", swept).Dur("max_age", h.MaxAge).Msg("expired stale pending rentals")
	}
	return nil
}
