package ports

import (
	"context"

	"votecast/domain/election"
)

// BaselineSource provides the prior-election feature table. Fetched once
// per estimation call; implementations must return immutable rows.
type BaselineSource interface {
	FetchBaseline(ctx context.Context) ([]election.BaselineRow, error)
}

// ReturnsSource provides a snapshot of the live current-returns feed. May
// contain keys absent from the baseline (unexpected units).
type ReturnsSource interface {
	FetchReturns(ctx context.Context) ([]election.ReturnsRow, error)
}
