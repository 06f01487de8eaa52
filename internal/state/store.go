package state

import "context"

// Store is the durable KV the bot persists its bracket snapshot (and any
// operational bookkeeping) into. Implementations must be safe for use from
// the single update cycle plus startup reconciliation.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
