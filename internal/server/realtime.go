package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
)

const (
	RealtimeEventSnapshot  = "snapshot"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "dao-ledger"
)

// SnapshotMessage carries the full proposal list after a change.
type SnapshotMessage struct {
	EventType string               `json:"eventType"`
	Revision  int64                `json:"revision"`
	Proposals []proposals.Document `json:"proposals"`
	Timestamp time.Time            `json:"timestamp"`
	Source    string               `json:"source"`
}

// RealtimeDispatcher fans snapshots out to every stream subscriber.
// A slow subscriber loses its oldest pending snapshot, never the newest.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	revision    int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan SnapshotMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan SnapshotMessage, func()) {
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SnapshotMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishSnapshot stamps the next revision on documents and delivers it to every subscriber.
func (d *RealtimeDispatcher) PublishSnapshot(documents []proposals.Document, timestamp time.Time) SnapshotMessage {
	d.mu.Lock()
	d.revision++
	message := SnapshotMessage{
		EventType: RealtimeEventSnapshot,
		Revision:  d.revision,
		Proposals: documents,
		Timestamp: timestamp,
		Source:    realtimeSourceBackend,
	}
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.Unlock()

	for _, subscriber := range copies {
		deliverLatest(subscriber.stream, message)
	}
	return message
}

// Revision returns the revision of the most recent snapshot.
func (d *RealtimeDispatcher) Revision() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func deliverLatest(stream chan SnapshotMessage, message SnapshotMessage) {
	select {
	case stream <- message:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- message:
	default:
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
