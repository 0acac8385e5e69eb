// Package journal mirrors placed orders and their verdicts to Redis so a
// session that died mid-sequence can be inspected afterwards. The mirror is
// strictly non-authoritative: the engine never reads it back, and every
// failure is logged and swallowed.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"binary-options-bot/internal/engine"
)

const (
	// orderKeyPrefix namespaces journal entries.
	// Format: optbot:order:{mode}:{orderID}
	orderKeyPrefix = "optbot:order"

	writeTimeout = 2 * time.Second
)

// Entry is the persisted order snapshot.
type Entry struct {
	OrderID    string     `json:"order_id"`
	Mode       string     `json:"mode"`
	Asset      string     `json:"asset"`
	Direction  string     `json:"direction"`
	Stake      int64      `json:"stake"`
	Source     string     `json:"source"`
	PlacedAt   time.Time  `json:"placed_at"`
	Win        *bool      `json:"win,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Journal writes order snapshots to Redis with a TTL.
type Journal struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a journal backed by the given Redis client.
func New(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Journal {
	return &Journal{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// RecordPlaced mirrors a newly placed order.
func (j *Journal) RecordPlaced(ctx context.Context, mode string, order engine.Order) {
	entry := Entry{
		OrderID:   order.ID,
		Mode:      mode,
		Asset:     order.Asset,
		Direction: string(order.Direction),
		Stake:     order.Stake,
		Source:    string(order.Source),
		PlacedAt:  order.CreatedAt,
	}
	j.write(ctx, entry)
}

// RecordResult updates the mirrored order with its verdict.
func (j *Journal) RecordResult(ctx context.Context, mode string, orderID string, win bool, externalID string) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	key := orderKey(mode, orderID)
	data, err := j.client.Get(ctx, key).Bytes()
	if err != nil {
		j.logger.Debug().Err(err).Str("order_id", orderID).Msg("journal entry missing for result")
		return
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		j.logger.Debug().Err(err).Str("order_id", orderID).Msg("journal entry corrupt")
		return
	}
	now := time.Now()
	entry.Win = &win
	entry.ExternalID = externalID
	entry.ResolvedAt = &now
	j.write(ctx, entry)
}

func (j *Journal) write(ctx context.Context, entry Entry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	data, err := json.Marshal(entry)
	if err != nil {
		j.logger.Debug().Err(err).Msg("journal marshal failed")
		return
	}
	if err := j.client.Set(ctx, orderKey(entry.Mode, entry.OrderID), data, j.ttl).Err(); err != nil {
		j.logger.Debug().Err(err).Str("order_id", entry.OrderID).Msg("journal write failed")
	}
}

func orderKey(mode, orderID string) string {
	return fmt.Sprintf("%s:%s:%s", orderKeyPrefix, mode, orderID)
}
