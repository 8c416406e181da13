package follow

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/metrics"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

const closeTimeout = 10 * time.Second

// Api is the part of the node API the driver needs.
type Api interface {
	Follower
	Unpinner
}

// Options configures a Driver.
type Options struct {
	// MaxBlockLife is the age in finalized blocks at which a block is
	// unpinned even if handles on it are still held. Zero means unbounded.
	MaxBlockLife uint64
	// WithRuntime asks the node to report runtime changes.
	WithRuntime bool
	Resubscribe ResubscribePolicy
}

// Driver runs the follow subscription and republishes its events to every
// Subscription taken from its Handle.
type Driver struct {
	stream *Stream
	unpin  *UnpinStream
	shared *shared

	logger  *log.Logger
	metrics *metrics.FollowMetrics
}

func NewDriver(api Api, opts Options, logger *log.Logger, m *metrics.FollowMetrics) *Driver {
	stream := NewStream(api, opts.WithRuntime, opts.Resubscribe, logger, m)
	return &Driver{
		stream:  stream,
		unpin:   NewUnpinStream(stream, api, opts.MaxBlockLife, logger, m),
		shared:  newShared(m),
		logger:  logger.WithModule("driver"),
		metrics: m,
	}
}

// Handle returns a handle for taking subscriptions.
func (d *Driver) Handle() *Handle {
	return &Handle{shared: d.shared}
}

// Run drives the follow subscription until it ends or ctx is cancelled. It
// must be called once. Subscriptions see io.EOF after a clean end or
// cancellation, and the error after a failure; Run returns that error.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("starting follow driver")
	defer d.unpin.Wait()

	for {
		msg, err := d.unpin.Next(ctx)
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
			if cerr := d.stream.Close(closeCtx); cerr != nil {
				d.logger.Debug("failed to unsubscribe", "err", cerr)
			}
			cancel()

			switch {
			case errors.Is(err, io.EOF):
				d.logger.Info("follow subscription finished")
				d.shared.finish(nil)
				return nil
			case ctx.Err() != nil:
				d.logger.Warn("shutting down follow driver", "reason", ctx.Err())
				d.shared.finish(nil)
				return nil
			default:
				d.logger.Error("follow driver failed", "err", err)
				d.shared.finish(err)
				return err
			}
		}

		if msg.Event == nil {
			d.shared.setSubscriptionID(msg.SubscriptionID)
			continue
		}
		d.metrics.Event(string(msg.Event.Kind()))
		d.shared.broadcast(msg.Event)
	}
}

// shared is the fan-out state of a driver.
type shared struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription

	subscriptionID string
	idChanged      chan struct{}

	// Current view of the chain for subscriptions taken mid-stream.
	replayInit   *Initialized
	replayBlocks []nodeapi.FollowEvent

	done bool
	err  error

	metrics *metrics.FollowMetrics
}

func newShared(m *metrics.FollowMetrics) *shared {
	return &shared{
		subs:      make(map[uint64]*Subscription),
		idChanged: make(chan struct{}),
		metrics:   m,
	}
}

func (sh *shared) setSubscriptionID(id string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.subscriptionID = id
	close(sh.idChanged)
	sh.idChanged = make(chan struct{})
}

// broadcast hands a copy of ev to every subscription and releases ev.
func (sh *shared) broadcast(ev nodeapi.FollowEvent) {
	sh.mu.Lock()
	sh.updateReplay(ev)
	for _, sub := range sh.subs {
		sub.push(CloneEvent(ev))
	}
	if ev.Kind() == nodeapi.EventStop {
		sh.subscriptionID = ""
	}
	sh.mu.Unlock()
	ReleaseEvent(ev)
}

func (sh *shared) updateReplay(ev nodeapi.FollowEvent) {
	switch e := ev.(type) {
	case *Initialized:
		sh.clearReplay()
		sh.replayInit = CloneEvent(e).(*Initialized)
	case *NewBlock:
		sh.replayBlocks = append(sh.replayBlocks, CloneEvent(e))
	case *BestBlockChanged:
		kept := sh.replayBlocks[:0]
		for _, b := range sh.replayBlocks {
			if _, ok := b.(*BestBlockChanged); ok {
				ReleaseEvent(b)
				continue
			}
			kept = append(kept, b)
		}
		sh.replayBlocks = append(kept, CloneEvent(e))
	case *Finalized:
		if sh.replayInit == nil {
			return
		}
		finalized := hashSet(e.FinalizedBlocks)
		pruned := hashSet(e.PrunedBlocks)
		runtime := sh.replayInit.FinalizedBlockRuntime

		kept := sh.replayBlocks[:0]
		for _, b := range sh.replayBlocks {
			switch b := b.(type) {
			case *NewBlock:
				hash := b.Block.Hash()
				if _, ok := finalized[hash]; ok {
					if b.NewRuntime != nil {
						runtime = b.NewRuntime
					}
					ReleaseEvent(b)
					continue
				}
				if _, ok := pruned[hash]; ok {
					ReleaseEvent(b)
					continue
				}
			case *BestBlockChanged:
				if _, ok := pruned[b.BestBlock.Hash()]; ok {
					ReleaseEvent(b)
					continue
				}
			}
			kept = append(kept, b)
		}
		sh.replayBlocks = kept

		if n := len(e.FinalizedBlocks); n > 0 {
			old := sh.replayInit
			sh.replayInit = &Initialized{
				SubscriptionID:        old.SubscriptionID,
				FinalizedBlock:        e.FinalizedBlocks[n-1].Clone(),
				FinalizedBlockRuntime: runtime,
			}
			ReleaseEvent(old)
		}
	case *nodeapi.Stop:
		sh.clearReplay()
	}
}

func (sh *shared) clearReplay() {
	if sh.replayInit != nil {
		ReleaseEvent(sh.replayInit)
		sh.replayInit = nil
	}
	for _, b := range sh.replayBlocks {
		ReleaseEvent(b)
	}
	sh.replayBlocks = nil
}

func (sh *shared) finish(err error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.done = true
	sh.err = err
	sh.clearReplay()
	sh.subscriptionID = ""
	close(sh.idChanged)
	sh.idChanged = make(chan struct{})
	for id, sub := range sh.subs {
		sub.end(err)
		delete(sh.subs, id)
		sh.metrics.SubscriberRemoved()
	}
}

func (sh *shared) subscribe() *Subscription {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sub := &Subscription{shared: sh, id: sh.nextID, notify: make(chan struct{}, 1)}
	sh.nextID++
	if sh.done {
		sub.ended = true
		sub.err = sh.err
		return sub
	}
	if sh.replayInit != nil {
		sub.queue.PushBack(CloneEvent(sh.replayInit))
		for _, b := range sh.replayBlocks {
			sub.queue.PushBack(CloneEvent(b))
		}
	}
	sh.subs[sub.id] = sub
	sh.metrics.SubscriberAdded()
	return sub
}

func (sh *shared) unsubscribe(id uint64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.subs[id]; ok {
		delete(sh.subs, id)
		sh.metrics.SubscriberRemoved()
	}
}

func (sh *shared) currentSubscriptionID(ctx context.Context) (string, error) {
	for {
		sh.mu.Lock()
		id, done, changed := sh.subscriptionID, sh.done, sh.idChanged
		sh.mu.Unlock()
		switch {
		case id != "":
			return id, nil
		case done:
			return "", ErrSubscriptionDropped
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func hashSet(refs []*BlockRef) map[nodeapi.Hash]struct{} {
	set := make(map[nodeapi.Hash]struct{}, len(refs))
	for _, r := range refs {
		set[r.Hash()] = struct{}{}
	}
	return set
}
