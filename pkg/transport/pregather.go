package transport

import (
	"context"
	"log/slog"
	"time"
)

// Warm starts candidate gathering on the adapter and waits for it to finish,
// up to timeout. The timeout is soft: an incomplete gather is logged and
// negotiation proceeds with whatever candidates exist. Adapters that do not
// support pre-gathering make this a no-op.
func Warm(ctx context.Context, a Adapter, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	done := a.GatheringDone()
	if done == nil {
		logger.Debug("transport does not support candidate pre-gathering")
		return nil
	}

	start := time.Now()
	if err := a.StartGathering(); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		logger.Info("candidate pre-gathering complete", "elapsed", time.Since(start))
	case <-timer.C:
		logger.Warn("candidate pre-gathering timed out, continuing with partial candidates",
			"timeout", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
