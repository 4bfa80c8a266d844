package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type OutboxConfig struct {
	// Rate is sends per second; zero disables throttling.
	Rate  float64
	Burst int
	Queue int
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{Rate: 20, Burst: 5, Queue: 256}
}

type outboxItem struct {
	scope   Scope
	name    string
	payload json.RawMessage
}

// Outbox queues outbound relay sends and paces them with a token bucket.
// Offer never blocks: a full queue is reported as ErrQueueFull and an outbox
// whose Run has returned reports ErrOutboxDone.
type Outbox struct {
	relay   Relay
	limiter *rate.Limiter
	queue   chan outboxItem
	log     zerolog.Logger

	mu      sync.Mutex
	inQueue int
	waiters []chan struct{}
	stopped bool
}

func NewOutbox(r Relay, cfg OutboxConfig, logger zerolog.Logger) *Outbox {
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultOutboxConfig().Queue
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Outbox{
		relay:   r,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		queue:   make(chan outboxItem, cfg.Queue),
		log:     logger.With().Str("component", "outbox").Logger(),
	}
}

func (o *Outbox) Offer(scope Scope, name string, payload any) error {
	raw, err := Encode(payload)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrOutboxDone
	}
	select {
	case o.queue <- outboxItem{scope: scope, name: name, payload: raw}:
		o.inQueue++
		return nil
	default:
		return ErrQueueFull
	}
}

// Run sends queued items until ctx is done. Items still queued when it
// returns are dropped so Flush does not wait on them.
func (o *Outbox) Run(ctx context.Context) {
	defer o.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-o.queue:
			if err := o.limiter.Wait(ctx); err != nil {
				o.finish()
				return
			}
			var err error
			if it.scope == ScopeAuthority {
				err = o.relay.ToAuthority(ctx, it.name, it.payload)
			} else {
				err = o.relay.Broadcast(ctx, it.name, it.payload)
			}
			if err != nil {
				o.log.Warn().Err(err).Str("name", it.name).Msg("relay send failed")
			}
			o.finish()
		}
	}
}

func (o *Outbox) stop() {
	o.mu.Lock()
	o.stopped = true
	dropped := 0
	for len(o.queue) > 0 {
		<-o.queue
		dropped++
	}
	o.mu.Unlock()
	if dropped > 0 {
		o.log.Warn().Int("dropped", dropped).Msg("outbox stopped with queued sends")
	}
	for i := 0; i < dropped; i++ {
		o.finish()
	}
}

func (o *Outbox) finish() {
	o.mu.Lock()
	o.inQueue--
	if o.inQueue == 0 {
		for _, w := range o.waiters {
			close(w)
		}
		o.waiters = nil
	}
	o.mu.Unlock()
}

// Pending is the number of queued or in-flight sends.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inQueue
}

// Flush waits until every offered item has been sent.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	if o.inQueue == 0 {
		o.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	o.waiters = append(o.waiters, w)
	o.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushTimeout is Flush bounded by d.
func (o *Outbox) FlushTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return o.Flush(ctx)
}
