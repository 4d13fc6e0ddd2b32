package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupBroadcaster(t *testing.T) (*Broadcaster, *redis.Client) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	broadcaster, err := NewBroadcaster("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewBroadcaster failed: %v", err)
	}
	t.Cleanup(func() { broadcaster.Close() })
	return broadcaster, client
}

func receive(t *testing.T, ch <-chan *redis.Message) *redis.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func expectSilence(t *testing.T, ch <-chan *redis.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on %s: %s", msg.Channel, msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCardUpdatePublishesToEachBoard(t *testing.T) {
	broadcaster, client := setupBroadcaster(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, BoardChannel("board_1"), BoardChannel("board_2"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	ch := sub.Channel()

	broadcaster.CardUpdate([]string{"board_1", "board_2"}, map[string]any{"id": "card_1"})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := receive(t, ch)
		got[msg.Channel] = true

		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.Name != "cardUpdate" {
			t.Errorf("expected cardUpdate event, got %q", event.Name)
		}
	}
	if !got[BoardChannel("board_1")] || !got[BoardChannel("board_2")] {
		t.Errorf("expected one event per board, got %v", got)
	}
	expectSilence(t, ch)
}

func TestCardUpdateCollapsesDuplicateBoards(t *testing.T) {
	broadcaster, client := setupBroadcaster(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, BoardChannel("board_1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	ch := sub.Channel()

	broadcaster.CardUpdate([]string{"board_1", "board_1"}, map[string]any{"id": "card_1"})

	receive(t, ch)
	expectSilence(t, ch)
}

func TestCardUpdatePayloadCarriesItem(t *testing.T) {
	broadcaster, client := setupBroadcaster(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, BoardChannel("board_9"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	broadcaster.CardUpdate([]string{"board_9"}, map[string]any{"id": "card_7", "name": "Ship it"})

	msg := receive(t, sub.Channel())
	var event struct {
		Name string `json:"name"`
		Data struct {
			Item map[string]any `json:"item"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Data.Item["id"] != "card_7" {
		t.Errorf("expected item card_7, got %v", event.Data.Item)
	}
}
