package identity

import (
	"context"
	"time"
)

// RevocationSet is the indexed set of revoked token identifiers.
// Revocations are idempotent; entries become sweepable once their natural
// expiry plus a grace period has passed.
type RevocationSet interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// Sweep deletes entries whose expires_at < now − grace and returns the
	// number removed. It never removes a live entry.
	Sweep(ctx context.Context, grace time.Duration) (int, error)
}

// StartSweeper runs a background loop that sweeps the revocation set at the
// given interval until ctx is cancelled.
func StartSweeper(ctx context.Context, set RevocationSet, interval, grace time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = set.Sweep(ctx, grace)
			}
		}
	}()
}
