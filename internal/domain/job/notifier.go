package job

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired is returned by NewNotifier when no Waiter is given.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the queue reports that a job may be ready.
type Waiter interface {
	WaitForNotification(ctx context.Context) error
}

// Notifier wakes idle workers when the queue has work.
type Notifier interface {
	// Subscribe returns an unsubscribe func and a channel that receives at
	// most one pending wake-up at a time. The channel is closed on
	// unsubscribe or StopAll.
	Subscribe() (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configures NewNotifier.
type NotifierOptions struct {
	Waiter Waiter
	// WaitWindow bounds a single wait. Workers are woken when it lapses so a
	// lost notification costs at most one window. Defaults to one minute.
	WaitWindow time.Duration
	// Backoff is the pause after the waiter fails. Defaults to 250ms.
	Backoff time.Duration
}

// QueueNotifier shares one waiter among all subscribed workers. The waiter
// only runs while somebody is subscribed.
type QueueNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan struct{}
	loop   *listener
}

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier returns a QueueNotifier over opts.Waiter.
func NewNotifier(opts NotifierOptions) (*QueueNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	n := &QueueNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		subs:       make(map[uint64]chan struct{}),
	}
	if n.waitWindow <= 0 {
		n.waitWindow = time.Minute
	}
	if n.backoff <= 0 {
		n.backoff = 250 * time.Millisecond
	}
	return n, nil
}

func (n *QueueNotifier) Subscribe() (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	ch := make(chan struct{}, 1)
	n.subs[id] = ch
	if n.loop == nil {
		n.loop = n.startListener()
	}

	var once sync.Once
	return func() { once.Do(func() { n.remove(id) }) }, ch
}

func (n *QueueNotifier) remove(id uint64) {
	n.mu.Lock()
	ch, ok := n.subs[id]
	if ok {
		delete(n.subs, id)
		close(ch)
	}
	var stopping *listener
	if len(n.subs) == 0 {
		stopping, n.loop = n.loop, nil
	}
	n.mu.Unlock()

	if stopping != nil {
		stopping.cancel()
	}
}

// StopAll closes every subscriber channel and waits for the listener to
// return.
func (n *QueueNotifier) StopAll() {
	n.mu.Lock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
	stopping := n.loop
	n.loop = nil
	n.mu.Unlock()

	if stopping != nil {
		stopping.cancel()
		<-stopping.done
	}
}

func (n *QueueNotifier) startListener() *listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		n.listen(ctx)
	}()
	return l
}

func (n *QueueNotifier) listen(ctx context.Context) {
	for {
		err := n.waitOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		// A lapsed window wakes workers too, which turns the waiter into a
		// slow poll when notifications go missing.
		n.wakeAll()

		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.backoff):
		}
	}
}

func (n *QueueNotifier) waitOnce(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
	defer cancel()
	return n.waiter.WaitForNotification(waitCtx)
}

func (n *QueueNotifier) wakeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

var _ Notifier = (*QueueNotifier)(nil)
