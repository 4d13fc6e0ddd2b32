// Package notify fans mutation events out to board subscribers over Redis
// pub/sub. Delivery is fire-and-forget: the request that triggered the
// event never waits on it and never observes a delivery failure.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 5 * time.Second

// Event is the envelope published to a board channel.
type Event struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// Broadcaster publishes change events to per-board channels.
type Broadcaster struct {
	client *redis.Client
}

func NewBroadcaster(redisURL string) (*Broadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Broadcaster{client: client}, nil
}

// NewBroadcasterWithClient creates a broadcaster from an existing client
func NewBroadcasterWithClient(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client}
}

// BoardChannel names the pub/sub channel for a board.
func BoardChannel(boardID string) string {
	return "board:" + boardID
}

// CardUpdate emits one cardUpdate event per distinct board id, carrying the
// updated card as {item: card}. Duplicate board ids collapse to a single
// event. The publish happens on a background goroutine; failures are logged
// and swallowed.
func (b *Broadcaster) CardUpdate(boardIDs []string, card any) {
	payload, err := json.Marshal(Event{
		Name: "cardUpdate",
		Data: map[string]any{"item": card},
	})
	if err != nil {
		log.Printf("notify: encode cardUpdate: %v", err)
		return
	}

	seen := make(map[string]struct{}, len(boardIDs))
	channels := make([]string, 0, len(boardIDs))
	for _, boardID := range boardIDs {
		if boardID == "" {
			continue
		}
		if _, dup := seen[boardID]; dup {
			continue
		}
		seen[boardID] = struct{}{}
		channels = append(channels, BoardChannel(boardID))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		for _, channel := range channels {
			if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
				log.Printf("notify: publish %s: %v", channel, err)
			}
		}
	}()
}

// Close closes the Redis connection
func (b *Broadcaster) Close() error {
	return b.client.Close()
}

// Ping checks if Redis is reachable
func (b *Broadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
