// Package scheduler delivers string keys once their deadline passes.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/log"
)

// Deadlines holds at most one deadline per key and sends the key on Chan
// when it is due. Scheduling a key again keeps the earlier deadline. Due
// keys are sent in deadline order.
type Deadlines struct {
	clock  clockwork.Clock
	logger *log.Logger
	out    chan string
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	items map[string]*entry
	queue queue
	armed time.Time
}

func New(clock clockwork.Clock, logger *log.Logger) *Deadlines {
	if logger == nil {
		panic("logger is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Deadlines{
		clock:  clock,
		logger: logger,
		out:    make(chan string),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		items:  make(map[string]*entry),
	}
	go d.run()
	return d
}

// Chan is closed after Shutdown.
func (d *Deadlines) Chan() <-chan string {
	return d.out
}

// At schedules key for at. A deadline already in the past fires right away.
func (d *Deadlines) At(key string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, ok := d.items[key]; ok {
		if !at.Before(cur.at) {
			return
		}
		cur.at = at
		heap.Fix(&d.queue, cur.index)
	} else {
		e := &entry{key: key, at: at}
		d.items[key] = e
		heap.Push(&d.queue, e)
	}
	if d.queue[0].key == key {
		d.poke()
	}
}

func (d *Deadlines) After(key string, delay time.Duration) {
	d.At(key, d.clock.Now().Add(delay))
}

// Cancel drops key and reports whether it was pending.
func (d *Deadlines) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.items[key]
	if !ok {
		return false
	}
	delete(d.items, key)
	heap.Remove(&d.queue, e.index)
	d.poke()
	return true
}

func (d *Deadlines) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *Deadlines) Shutdown() {
	d.once.Do(func() { close(d.done) })
}

func (d *Deadlines) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// next returns the earliest deadline and records it as the armed one.
func (d *Deadlines) next() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		d.armed = time.Time{}
		return time.Time{}, false
	}
	d.armed = d.queue[0].at
	return d.armed, true
}

func (d *Deadlines) popDue(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []string
	for len(d.queue) > 0 && !d.queue[0].at.After(now) {
		e := heap.Pop(&d.queue).(*entry)
		delete(d.items, e.key)
		due = append(due, e.key)
	}
	return due
}

func (d *Deadlines) run() {
	defer close(d.out)

	for {
		var (
			timer clockwork.Timer
			fire  <-chan time.Time
		)
		if at, ok := d.next(); ok {
			timer = d.clock.NewTimer(max(at.Sub(d.clock.Now()), 0))
			fire = timer.Chan()
		}

		select {
		case <-d.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-d.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-fire:
		}

		due := d.popDue(d.clock.Now())
		if len(due) > 1 {
			d.logger.Debug("Deadlines due together", log.Int("count", len(due)))
		}
		for _, key := range due {
			select {
			case d.out <- key:
			case <-d.done:
				return
			}
		}
	}
}

type entry struct {
	key   string
	at    time.Time
	index int
}

// queue is a min-heap of entries by deadline.
type queue []*entry

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
