package dispatch

import (
	"sync"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// DeadLetter captures a delivery that exhausted every primary and fallback
// channel, with enough context to replay it by hand.
type DeadLetter struct {
	Notification *domain.Notification `json:"notification"`
	UserID       string               `json:"user_id"`
	Channels     []domain.Channel     `json:"channels_attempted"`
	Reason       string               `json:"reason"`
	Attempts     int                  `json:"attempts"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
}

// DeadLetterQueue is a bounded in-memory ring. When full, the oldest entry
// is evicted to admit the new one.
type DeadLetterQueue struct {
	mu      sync.Mutex
	items   []DeadLetter
	cap     int
	evicted uint64
}

func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DeadLetterQueue{cap: capacity}
}

func (q *DeadLetterQueue) Append(dl DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == q.cap {
		q.items = q.items[1:]
		q.evicted++
	}
	q.items = append(q.items, dl)
}

// Items returns a snapshot, oldest first.
func (q *DeadLetterQueue) Items() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.items))
	copy(out, q.items)
	return out
}

func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DeadLetterQueue) Capacity() int { return q.cap }

// Evicted returns how many entries have been dropped to make room.
func (q *DeadLetterQueue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
