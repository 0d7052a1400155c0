package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventKind classifies a delivery event.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCanceled  EventKind = "canceled"
)

// Event is one terminal job delivery.
type Event struct {
	Kind EventKind
	Job  Job
}

// DefaultWaitTimeout bounds WaitForJob when the caller passes zero.
const DefaultWaitTimeout = 300 * time.Second

// Notifier is the single consumer of terminal jobs. Its run loop polls for
// undelivered completed/failed rows, invokes the delivery callback, archives
// the row, and then fans the event out to Events subscribers and WaitForJob
// waiters. Delivery before archival, so a crash re-delivers rather than
// loses.
type Notifier struct {
	store       *Store
	onDelivered func(ctx context.Context, job Job) error
	logger      *slog.Logger

	events chan Event

	mu      sync.Mutex
	waiters map[string][]chan Event
}

func newNotifier(store *Store, onDelivered func(ctx context.Context, job Job) error, logger *slog.Logger) *Notifier {
	return &Notifier{
		store:       store,
		onDelivered: onDelivered,
		logger:      logger,
		events:      make(chan Event, 64),
		waiters:     make(map[string][]chan Event),
	}
}

// Events is the broadcast stream of delivered terminal jobs. A full channel
// drops events for slow consumers; WaitForJob waiters are never dropped.
func (n *Notifier) Events() <-chan Event { return n.events }

// WaitForJob blocks until the named job is delivered, the timeout elapses,
// or ctx is cancelled. A job already terminal (archived included) returns
// immediately. Zero timeout means DefaultWaitTimeout.
func (n *Notifier) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (Job, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	ch := make(chan Event, 1)
	n.mu.Lock()
	n.waiters[jobID] = append(n.waiters[jobID], ch)
	n.mu.Unlock()
	defer n.removeWaiter(jobID, ch)

	// Check after registering, so a delivery between check and register
	// cannot be missed.
	if job, err := n.store.GetJob(ctx, jobID); err == nil && job != nil && job.Terminal() {
		return *job, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev.Job, nil
	case <-timer.C:
		return Job{}, fmt.Errorf("wait for job %s: timed out after %s", jobID, timeout)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (n *Notifier) removeWaiter(jobID string, ch chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ws := n.waiters[jobID]
	for i, w := range ws {
		if w == ch {
			n.waiters[jobID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(n.waiters[jobID]) == 0 {
		delete(n.waiters, jobID)
	}
}

// run polls for undelivered terminal jobs until cancelled.
func (n *Notifier) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.deliverPending(ctx)
		}
	}
}

func (n *Notifier) deliverPending(ctx context.Context) {
	jobs, err := n.store.UndeliveredTerminal(ctx)
	if err != nil {
		n.logger.Error("router: undelivered lookup failed", "error", err)
		return
	}
	for _, job := range jobs {
		if err := n.deliver(ctx, job); err != nil {
			n.logger.Warn("router: delivery failed, will retry", "job", job.ID, "error", err)
		}
	}
}

// deliver runs the callback, stamps delivery, archives the row, and fans the
// event out.
func (n *Notifier) deliver(ctx context.Context, job Job) error {
	if n.onDelivered != nil {
		if err := n.onDelivered(ctx, job); err != nil {
			return err
		}
	}
	if err := n.store.MarkDelivered(ctx, job.ID); err != nil {
		return err
	}
	if err := n.store.Archive(ctx, job.ID); err != nil {
		// Already delivered; the archive retry must not re-deliver, and the
		// delivered_at stamp guarantees that.
		n.logger.Error("router: archive failed", "job", job.ID, "error", err)
	}

	ev := Event{Kind: EventCompleted, Job: job}
	switch job.Status {
	case StatusFailed:
		ev.Kind = EventFailed
	case StatusCanceled:
		ev.Kind = EventCanceled
	}
	n.mu.Lock()
	ws := n.waiters[job.ID]
	delete(n.waiters, job.ID)
	n.mu.Unlock()
	for _, w := range ws {
		w <- ev
	}
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("router: event stream full, dropping", "job", job.ID)
	}
	n.logger.Info("router: job delivered", "job", job.ID, "kind", ev.Kind)
	return nil
}
