package broker

import (
	"context"
	"time"
)

// PriceFeed returns the most recent OHLC candles for an asset. Implementations
// may fail transiently; callers are expected to retry with backoff.
type PriceFeed interface {
	FetchLatestCandles(ctx context.Context, asset string, asOf time.Time) ([]Candle, error)
}

// TradeSink accepts a trade placement. Acceptance is asynchronous on the
// broker side; the caller-supplied ref correlates later updates.
type TradeSink interface {
	Place(ctx context.Context, asset string, direction Direction, stake int64, account AccountKind, ref string) error
}

// HistoryFeed returns recent trades for an account, newest first.
type HistoryFeed interface {
	FetchRecent(ctx context.Context, account AccountKind) ([]TradeRecord, error)
}

// UpdateFeed is the push update channel. Subscribe registers a handler that
// may be invoked concurrently from the transport's read loop and returns a
// cancel function removing it; Healthy reports whether the channel is
// currently connected.
type UpdateFeed interface {
	Subscribe(handler func(UpdateEvent)) (cancel func())
	Healthy() bool
}
