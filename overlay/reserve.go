package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	"go.uber.org/zap"
)

// DefaultReserveRetry is the wait after a failed reservation attempt.
const DefaultReserveRetry = 30 * time.Second

// minRenew bounds how often a short-lived reservation is renewed.
const minRenew = time.Second

// Reserver holds a circuit relay v2 reservation on Relay so that peers
// can reach Host with a route whose single hop is Host.
type Reserver struct {
	Host   host.Host
	Relay  peer.AddrInfo
	Logger *zap.Logger
	// RetryInterval is the wait after a failure. Zero means DefaultReserveRetry.
	RetryInterval time.Duration
}

func (r *Reserver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Reserve connects to the relay and makes one reservation.
func (r *Reserver) Reserve(ctx context.Context) (*client.Reservation, error) {
	if err := r.Host.Connect(ctx, r.Relay); err != nil {
		return nil, fmt.Errorf("overlay: connecting to relay %s: %w", r.Relay.ID, err)
	}
	rsv, err := client.Reserve(ctx, r.Host, r.Relay)
	if err != nil {
		return nil, fmt.Errorf("overlay: reserving on relay %s: %w", r.Relay.ID, err)
	}
	return rsv, nil
}

// Run keeps the reservation until ctx is done, renewing it halfway to
// expiry and retrying failures. It returns ctx.Err().
func (r *Reserver) Run(ctx context.Context) error {
	retry := r.RetryInterval
	if retry <= 0 {
		retry = DefaultReserveRetry
	}
	log := r.logger().With(zap.Stringer("relay", r.Relay.ID))
	for {
		wait := retry
		rsv, err := r.Reserve(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("relay reservation failed", zap.Error(err), zap.Duration("retry", retry))
		default:
			log.Info("relay reservation held",
				zap.Time("expires", rsv.Expiration),
				zap.Stringers("addrs", rsv.Addrs))
			wait = max(time.Until(rsv.Expiration)/2, minRenew)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
