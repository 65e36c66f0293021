package chain

//go:generate mockgen -source=source.go -destination=mocks/mock_source.go -package=mocks

import (
	"context"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
)

// ClaimSource abstracts the chain data source so the orchestrators operate
// without knowing how events are read.
type ClaimSource interface {
	// FetchEvents returns every claim event at or after from up to the
	// current chain head, ordered by block number then log index.
	FetchEvents(ctx context.Context, from model.BlockNumber) ([]model.ClaimEvent, error)

	// Subscribe delivers batches of new claim events to onBatch, in delivery
	// order, until ctx is done or the returned Unsubscribe is called.
	Subscribe(ctx context.Context, onBatch BatchHandler) (Unsubscribe, error)
}

// BatchHandler receives one delivered batch of live events.
type BatchHandler func(ctx context.Context, events []model.ClaimEvent)

// Unsubscribe terminates a subscription and waits for its delivery loop to exit.
type Unsubscribe func()
