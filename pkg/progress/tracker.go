// Package progress tracks window-level progress through a run and fans
// out events both to in-process listeners and, optionally, to a NATS
// subject so an external dashboard can watch a long scan live.
package progress

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Event describes one window's outcome.
type Event struct {
	WindowID    int64     `json:"window_id"`
	Empty       bool      `json:"empty"`
	Sufficient  bool      `json:"sufficient"`
	Err         string    `json:"error,omitempty"`
	WindowsDone int       `json:"windows_done"`
	WindowsTotal int      `json:"windows_total"`
	Timestamp   time.Time `json:"timestamp"`
}

// Listener receives progress events synchronously; it must not block
// for long since it runs on the reporting goroutine.
type Listener func(Event)

// Tracker accumulates window completion counts and notifies listeners.
type Tracker struct {
	totalWindows int

	mu        sync.Mutex
	done      int
	failed    int
	sufficient int
	listeners []Listener

	publisher *natsPublisher
}

// New creates a Tracker expecting totalWindows windows overall.
func New(totalWindows int) *Tracker {
	return &Tracker{totalWindows: totalWindows}
}

// Subscribe registers an in-process listener.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// EnableNATS connects to natsURL and publishes every subsequent event
// to subject as JSON. Returns the connection so the caller can close it
// at run end.
func (t *Tracker) EnableNATS(natsURL, subject string) (*nats.Conn, error) {
	nc, err := nats.Connect(
		natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("progress: nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("progress: nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("progress: connect nats: %w", err)
	}
	t.mu.Lock()
	t.publisher = &natsPublisher{nc: nc, subject: subject}
	t.mu.Unlock()
	return nc, nil
}

type natsPublisher struct {
	nc      *nats.Conn
	subject string
}

func (p *natsPublisher) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		log.Printf("progress: nats publish failed: %v", err)
	}
}

// ReportWindowDone records a completed window and notifies listeners.
func (t *Tracker) ReportWindowDone(windowID int64, empty, sufficient bool) {
	t.mu.Lock()
	t.done++
	if sufficient {
		t.sufficient++
	}
	done, total := t.done, t.totalWindows
	publisher := t.publisher
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	ev := Event{WindowID: windowID, Empty: empty, Sufficient: sufficient, WindowsDone: done, WindowsTotal: total, Timestamp: time.Now()}
	t.notify(ev, listeners, publisher)
}

// ReportWindowFailed records a failed window and notifies listeners.
func (t *Tracker) ReportWindowFailed(windowID int64, err error) {
	t.mu.Lock()
	t.done++
	t.failed++
	done, total := t.done, t.totalWindows
	publisher := t.publisher
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	ev := Event{WindowID: windowID, Err: err.Error(), WindowsDone: done, WindowsTotal: total, Timestamp: time.Now()}
	t.notify(ev, listeners, publisher)
}

func (t *Tracker) notify(ev Event, listeners []Listener, publisher *natsPublisher) {
	for _, l := range listeners {
		invokeListener(l, ev)
	}
	if publisher != nil {
		publisher.publish(ev)
	}
}

// invokeListener calls l with ev, recovering a panic so one misbehaving
// listener can't break emission to the rest.
func invokeListener(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("progress: listener panicked on event %d: %v", ev.WindowID, r)
		}
	}()
	l(ev)
}

// Snapshot reports the current counters: windows completed, failed, and
// found sufficient, for use by the time estimator.
func (t *Tracker) Snapshot() (done, failed, sufficient, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done, t.failed, t.sufficient, t.totalWindows
}
