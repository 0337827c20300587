package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/defundx-go/internal/messaging"
	"github.com/Rorqualx/defundx-go/internal/store"
)

// Renderer shows the current count on a surface. Implementations must give
// up when ctx is done.
type Renderer interface {
	Render(ctx context.Context, count int, text string) error
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(ctx context.Context, count int, text string) error

// Render calls f.
func (f RenderFunc) Render(ctx context.Context, count int, text string) error {
	return f(ctx, count, text)
}

// storeTimeout bounds each store round trip made from a surface callback.
const storeTimeout = 5 * time.Second

// renderTimeout bounds a single render.
const renderTimeout = 5 * time.Second

// Receiver is the surface that handles BLOCKED_REQUEST messages. It records
// each event and renders from the new value without waiting for the store
// notification.
//
// Recording never waits for a render. While one render is in flight, later
// events only leave their count behind and the rendering caller shows the
// newest one when it finishes.
type Receiver struct {
	ledger   *Ledger
	renderer Renderer
	timeout  time.Duration

	mu        sync.Mutex
	seq       uint64 // Last recorded event
	count     int    // Count recorded by seq
	shown     uint64 // Last rendered event
	rendering bool
}

// NewReceiver creates a Receiver.
func NewReceiver(l *Ledger, r Renderer) *Receiver {
	return &Receiver{ledger: l, renderer: r, timeout: renderTimeout}
}

// Handle processes one message. Unknown kinds are ignored.
func (r *Receiver) Handle(msg messaging.Message) {
	if msg.Type != messaging.BlockedRequest {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	count, err := r.ledger.Record(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record blocked request")
		return
	}

	r.mu.Lock()
	r.seq++
	r.count = count
	if r.rendering {
		r.mu.Unlock()
		return
	}
	r.rendering = true
	for r.shown < r.seq {
		next, latest := r.seq, r.count
		r.mu.Unlock()

		r.render(latest)

		r.mu.Lock()
		r.shown = next
	}
	r.rendering = false
	r.mu.Unlock()
}

func (r *Receiver) render(count int) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.renderer.Render(ctx, count, r.ledger.Display(count)); err != nil {
		log.Debug().Err(err).Int("count", count).Msg("Receiver render failed")
	}
}

// Follower is the surface that never records. It renders once from the
// store and afterwards only from change notifications.
type Follower struct {
	ledger   *Ledger
	renderer Renderer
}

// NewFollower creates a Follower.
func NewFollower(l *Ledger, r Renderer) *Follower {
	return &Follower{ledger: l, renderer: r}
}

// Start subscribes to counter changes and renders the current value.
// The returned function stops following.
func (f *Follower) Start(ctx context.Context) (stop func(), err error) {
	unsubscribe := f.ledger.kv.Subscribe(f.onChange)

	count, err := f.ledger.Count(ctx)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	f.render(count)
	return unsubscribe, nil
}

func (f *Follower) onChange(changes map[string]store.Change) {
	c, ok := changes[CountKey]
	if !ok {
		return
	}

	count := 0
	if c.New != nil {
		n, err := ParseCount(c.New)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid counter update")
			return
		}
		count = n
	}
	f.render(count)
}

func (f *Follower) render(count int) {
	ctx, cancel := context.WithTimeout(context.Background(), renderTimeout)
	defer cancel()

	if err := f.renderer.Render(ctx, count, f.ledger.Display(count)); err != nil {
		log.Debug().Err(err).Int("count", count).Msg("Follower render failed")
	}
}
