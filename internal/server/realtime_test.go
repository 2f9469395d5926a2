package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
)

func TestRealtimeDispatcherBroadcastsToEverySubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	published := dispatcher.PublishSnapshot([]proposals.Document{{ID: "p-1", Title: "One"}}, time.Now().UTC())
	if published.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", published.Revision)
	}

	for _, stream := range []<-chan SnapshotMessage{first, second} {
		select {
		case received := <-stream:
			if received.EventType != RealtimeEventSnapshot {
				t.Fatalf("expected event type %s, got %s", RealtimeEventSnapshot, received.EventType)
			}
			if len(received.Proposals) != 1 || received.Proposals[0].ID != "p-1" {
				t.Fatalf("unexpected snapshot: %#v", received.Proposals)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected snapshot within deadline")
		}
	}
}

func TestRealtimeDispatcherKeepsNewestWhenSubscriberLags(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	total := dispatcher.bufferSize + 5
	for index := 0; index < total; index++ {
		dispatcher.PublishSnapshot(nil, time.Now().UTC())
	}

	var last SnapshotMessage
	drained := 0
	for {
		select {
		case message := <-stream:
			last = message
			drained++
			continue
		default:
		}
		break
	}
	if drained != dispatcher.bufferSize {
		t.Fatalf("expected %d buffered snapshots, got %d", dispatcher.bufferSize, drained)
	}
	if last.Revision != int64(total) {
		t.Fatalf("expected newest revision %d to survive, got %d", total, last.Revision)
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
