package pool

import (
	"sort"
	"time"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
)

// QueuedTask is a task waiting for a worker to become available.
type QueuedTask struct {
	TaskID      string
	Title       string
	Description string
	Priority    int
	EnqueuedAt  time.Time
}

// queue is a priority queue ordered by (priority desc, enqueued_at asc).
type queue struct {
	items []QueuedTask
}

func (q *queue) push(t QueuedTask) {
	q.items = append(q.items, t)
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority > q.items[j].Priority
		}
		return q.items[i].EnqueuedAt.Before(q.items[j].EnqueuedAt)
	})
}

func (q *queue) pop() (QueuedTask, bool) {
	if len(q.items) == 0 {
		return QueuedTask{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func (q *queue) len() int {
	return len(q.items)
}

// boostOldestIfStarved implements the queue-starvation guard: when the oldest queued task has waited longer than timeout, its
// priority is boosted by one tier so a stream of high-priority arrivals can never
// starve it forever.
func (q *queue) boostOldestIfStarved(timeout time.Duration, now time.Time) {
	if len(q.items) == 0 || timeout <= 0 {
		return
	}
	oldest := &q.items[0]
	for i := range q.items {
		if q.items[i].EnqueuedAt.Before(oldest.EnqueuedAt) {
			oldest = &q.items[i]
		}
	}
	if now.Sub(oldest.EnqueuedAt) > timeout && oldest.Priority < 10 {
		oldest.Priority++
		sort.SliceStable(q.items, func(i, j int) bool {
			if q.items[i].Priority != q.items[j].Priority {
				return q.items[i].Priority > q.items[j].Priority
			}
			return q.items[i].EnqueuedAt.Before(q.items[j].EnqueuedAt)
		})
	}
}

func (t QueuedTask) requirements() requirements.TaskRequirements {
	return requirements.Derive(t.Title, t.Description, t.Priority)
}
