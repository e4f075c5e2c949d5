package dispatcher

import (
	"container/list"
	"fmt"
	"time"

	"github.com/georgeshao/inference-gate/internal/upstream"
)

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name to a Priority. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

type outcome struct {
	completion *Completion
	err        error
}

// item is one queued completion request. Only the dispatcher touches retries.
type item struct {
	id         string
	req        upstream.Request
	priority   Priority
	enqueuedAt time.Time
	retries    int
	done       chan outcome // buffered(1)
}

// queue orders items by band, FIFO within a band. It is not safe for
// concurrent use; the dispatcher guards it.
type queue struct {
	bands    [numPriorities]*list.List
	capacity int
	size     int
}

func newQueue(capacity int) *queue {
	q := &queue{capacity: capacity}
	for i := range q.bands {
		q.bands[i] = list.New()
	}
	return q
}

// push appends it to the back of its band, or fails without side effects.
func (q *queue) push(it *item) error {
	if q.size >= q.capacity {
		return ErrQueueFull
	}
	q.bands[it.priority].PushBack(it)
	q.size++
	return nil
}

// pushFront returns an already admitted item to the head of its band. It
// ignores capacity.
func (q *queue) pushFront(it *item) {
	q.bands[it.priority].PushFront(it)
	q.size++
}

func (q *queue) pop() *item {
	for _, band := range q.bands {
		if front := band.Front(); front != nil {
			band.Remove(front)
			q.size--
			return front.Value.(*item)
		}
	}
	return nil
}

func (q *queue) len() int {
	return q.size
}

func (q *queue) depth(p Priority) int {
	return q.bands[p].Len()
}

// drain empties the queue, oldest band first.
func (q *queue) drain() []*item {
	items := make([]*item, 0, q.size)
	for it := q.pop(); it != nil; it = q.pop() {
		items = append(items, it)
	}
	return items
}
