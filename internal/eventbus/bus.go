// Package eventbus fans out photo state and monitoring session events to
// in-process observers such as the app log and tests.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"fotomator/internal/media"
)

// Topics.
const (
	TopicMediaState = "media.state"
	TopicSession    = "monitor.session"
)

// Event carries one of the payload types below. Publish never blocks; a
// subscriber whose buffer is full misses the event and it is counted in Dropped.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

// MediaState is published after every persisted record write.
type MediaState struct {
	URI         string      `json:"uri"`
	State       media.State `json:"state"`
	FailedCount int         `json:"failed_count"`
}

// Session is published when a monitoring session starts or ends.
type Session struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
	Reason  string `json:"reason,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events of the named topics, or of every topic when
	// none is named. unsubscribe closes the channel.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

// PublishRecord announces a record write. A nil bus is ignored.
func PublishRecord(b Bus, rec media.Record) {
	if b == nil {
		return
	}
	b.Publish(Event{Topic: TopicMediaState, Data: MediaState{URI: rec.URI, State: rec.State, FailedCount: rec.FailedCount}})
}

// PublishSession announces a session start or end. A nil bus is ignored.
func PublishSession(b Bus, s Session) {
	if b == nil {
		return
	}
	b.Publish(Event{Topic: TopicSession, Data: s})
}

type subscriber struct {
	ch     chan Event
	topics map[string]bool // nil means all
}

func (s *subscriber) wants(topic string) bool {
	return s.topics == nil || s.topics[topic]
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel
	// mid-send. Every send is non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
