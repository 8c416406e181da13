package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

const unwatchTimeout = 10 * time.Second

type TransactionStatusKind string

const (
	TransactionValidated           TransactionStatusKind = "validated"
	TransactionBroadcasted         TransactionStatusKind = "broadcasted"
	TransactionNoLongerInBestBlock TransactionStatusKind = "noLongerInBestBlock"
	TransactionInBestBlock         TransactionStatusKind = "inBestBlock"
	TransactionInFinalizedBlock    TransactionStatusKind = "inFinalizedBlock"
	TransactionDropped             TransactionStatusKind = "dropped"
	TransactionInvalid             TransactionStatusKind = "invalid"
)

// TransactionStatus is one step of a submitted transaction's progress.
type TransactionStatus struct {
	Kind TransactionStatusKind
	// NumPeers is set for TransactionBroadcasted.
	NumPeers uint32
	// Block is set for TransactionInBestBlock and TransactionInFinalizedBlock,
	// and owned by the receiver. The finalized block is always pinned; the
	// best block is pinned only if the follow subscription reported it.
	Block *follow.BlockRef
	// Message is set for TransactionDropped and TransactionInvalid.
	Message string
}

type txState int

const (
	txWatchingStatus txState = iota
	// The node reported the transaction finalized; waiting for the follow
	// subscription to finalize the same block.
	txAwaitingPinnedFinality
	txDone
	txFailed
)

func (s txState) String() string {
	switch s {
	case txWatchingStatus:
		return "watching_status"
	case txAwaitingPinnedFinality:
		return "awaiting_pinned_finality"
	case txDone:
		return "done"
	default:
		return "failed"
	}
}

// seenBlock is a block reported by the follow subscription since the
// transaction was submitted.
type seenBlock struct {
	ref       *follow.BlockRef
	parent    *follow.BlockRef
	finalized bool
	// Times since submission.
	firstNew       time.Duration
	firstFinalized time.Duration
}

type statusLogEntry struct {
	at    time.Duration
	event nodeapi.TransactionEventKind
}

// TransactionProgress is the status stream of a submitted transaction,
// correlated with the follow subscription so that a finalized status always
// carries a pinned block.
type TransactionProgress struct {
	blocks *follow.Subscription
	status nodeapi.TransactionSubscription

	state     txState
	target    nodeapi.Hash
	blocksErr error
	err       error
	seen      map[nodeapi.Hash]*seenBlock

	// Diagnostics for protocol violations.
	submitted   time.Time
	statusLog   []statusLogEntry
	initialized []nodeapi.Hash
	pruned      int
	other       map[nodeapi.EventKind]int

	logger *log.Logger
}

// SubmitTransaction submits an encoded extrinsic and watches its progress.
// The caller must close the returned stream.
func (b *Backend) SubmitTransaction(ctx context.Context, tx []byte) (*TransactionProgress, error) {
	txHash := blake2b.Sum256(tx)
	logger := b.logger.WithModule("tx_watch").With(
		"watch_id", uuid.NewString(),
		"tx_hash", hexutil.Encode(txHash[:]),
	)

	// Block events must be observed from before the submission on.
	blocks := b.handle.Subscribe()
	status, err := b.api.SubmitAndWatch(ctx, tx)
	if err != nil {
		blocks.Close()
		return nil, fmt.Errorf("submitting transaction: %w", err)
	}
	logger.Debug("transaction submitted")

	return &TransactionProgress{
		blocks:    blocks,
		status:    status,
		state:     txWatchingStatus,
		seen:      make(map[nodeapi.Hash]*seenBlock),
		submitted: time.Now(),
		other:     make(map[nodeapi.EventKind]int),
		logger:    logger,
	}, nil
}

// Next returns the next status. It returns io.EOF after a terminal status
// or when the node ends the status stream without one. A finalized status
// that the follow subscription cannot confirm fails with a
// *ProtocolViolationError. Once the follow subscription stops, the watch
// fails with ErrSubscriptionDropped even if the backend resubscribes.
func (p *TransactionProgress) Next(ctx context.Context) (*TransactionStatus, error) {
	for {
		switch p.state {
		case txDone:
			return nil, io.EOF
		case txFailed:
			return nil, p.err
		}

		p.drainBlocks()

		if p.state == txWatchingStatus && p.blocksErr != nil {
			return nil, p.fail(fmt.Errorf("watching transaction: %w", p.blocksErr))
		}

		if p.state == txAwaitingPinnedFinality {
			if b, ok := p.seen[p.target]; ok && b.finalized {
				p.state = txDone
				p.logger.Debug("transaction finalized", "block", p.target.Hex())
				return &TransactionStatus{Kind: TransactionInFinalizedBlock, Block: b.ref.Clone()}, nil
			}
			if p.blocksErr != nil {
				return nil, p.fail(&ProtocolViolationError{
					Reason: fmt.Sprintf("transaction finalized in block %s, which the follow subscription did not finalize", p.target.Hex()),
					Cause:  p.blocksErr,
				})
			}
			ev, err := p.blocks.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				p.endBlocks(err)
				continue
			}
			p.record(ev)
			continue
		}

		ev, err := p.status.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			p.state = txDone
			p.logger.Debug("transaction status stream ended")
			return nil, io.EOF
		case err != nil:
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, p.fail(fmt.Errorf("transaction status: %w", err))
		}
		p.statusLog = append(p.statusLog, statusLogEntry{at: time.Since(p.submitted), event: ev.Event})

		// Blocks reported while waiting for the status may be the ones it names.
		p.drainBlocks()

		if status, err := p.step(ev); status != nil || err != nil {
			return status, err
		}
	}
}

// step maps a status event. It returns nothing for events that only change
// the state.
func (p *TransactionProgress) step(ev *nodeapi.TransactionEvent) (*TransactionStatus, error) {
	switch ev.Event {
	case nodeapi.TransactionValidated:
		return &TransactionStatus{Kind: TransactionValidated}, nil
	case nodeapi.TransactionBroadcasted:
		return &TransactionStatus{Kind: TransactionBroadcasted, NumPeers: ev.NumPeers}, nil
	case nodeapi.TransactionBestChainBlockIncluded:
		if ev.Block == nil {
			return &TransactionStatus{Kind: TransactionNoLongerInBestBlock}, nil
		}
		if b, ok := p.seen[ev.Block.Hash]; ok {
			return &TransactionStatus{Kind: TransactionInBestBlock, Block: b.ref.Clone()}, nil
		}
		// The node the transaction went to may know blocks the follow
		// subscription never reports.
		p.logger.Debug("best block not reported by the follow subscription", "block", ev.Block.Hash.Hex())
		return &TransactionStatus{Kind: TransactionInBestBlock, Block: follow.BlockRefFromHash(ev.Block.Hash)}, nil
	case nodeapi.TransactionFinalized:
		if ev.Block == nil {
			return nil, p.fail(&ProtocolViolationError{Reason: "finalized status without a block"})
		}
		p.target = ev.Block.Hash
		p.state = txAwaitingPinnedFinality
		return nil, nil
	case nodeapi.TransactionDropped, nodeapi.TransactionError:
		p.state = txDone
		return &TransactionStatus{Kind: TransactionDropped, Message: ev.Error}, nil
	case nodeapi.TransactionInvalid:
		p.state = txDone
		return &TransactionStatus{Kind: TransactionInvalid, Message: ev.Error}, nil
	default:
		p.logger.Warn("ignoring unknown transaction status", "event", ev.Event)
		return nil, nil
	}
}

// drainBlocks records the block events already buffered.
func (p *TransactionProgress) drainBlocks() {
	for p.blocksErr == nil {
		ev, ok, err := p.blocks.TryNext()
		if err != nil {
			p.endBlocks(err)
			return
		}
		if !ok {
			return
		}
		p.record(ev)
	}
}

func (p *TransactionProgress) endBlocks(err error) {
	if errors.Is(err, io.EOF) {
		err = ErrSubscriptionDropped
	}
	p.blocksErr = err
}

// record notes the blocks of one follow event and releases it.
func (p *TransactionProgress) record(ev nodeapi.FollowEvent) {
	defer follow.ReleaseEvent(ev)
	since := time.Since(p.submitted)

	switch e := ev.(type) {
	case *follow.Initialized:
		p.initialized = append(p.initialized, e.FinalizedBlock.Hash())
		p.markFinalized(e.FinalizedBlock, since)
	case *follow.NewBlock:
		if _, ok := p.seen[e.Block.Hash()]; !ok {
			p.seen[e.Block.Hash()] = &seenBlock{
				ref:      e.Block.Clone(),
				parent:   e.ParentBlock.Clone(),
				firstNew: since,
			}
		}
	case *follow.Finalized:
		for _, ref := range e.FinalizedBlocks {
			p.markFinalized(ref, since)
		}
		for _, ref := range e.PrunedBlocks {
			if b, ok := p.seen[ref.Hash()]; ok && !b.finalized {
				b.release()
				delete(p.seen, ref.Hash())
			}
			p.pruned++
		}
	case *nodeapi.Stop:
		// Every pin is gone with the subscription, and a later one cannot
		// tell which blocks this watch saw.
		p.releaseSeen()
		p.other[ev.Kind()]++
		p.endBlocks(ErrSubscriptionDropped)
	default:
		p.other[ev.Kind()]++
	}
}

// markFinalized records a finalized block, which may not have been seen as
// new before.
func (p *TransactionProgress) markFinalized(ref *follow.BlockRef, since time.Duration) {
	b, ok := p.seen[ref.Hash()]
	if !ok {
		b = &seenBlock{ref: ref.Clone()}
		p.seen[ref.Hash()] = b
	}
	if !b.finalized {
		b.finalized = true
		b.firstFinalized = since
	}
}

func (b *seenBlock) release() {
	b.ref.Release()
	b.parent.Release()
}

func (p *TransactionProgress) releaseSeen() {
	for hash, b := range p.seen {
		b.release()
		delete(p.seen, hash)
	}
}

func (p *TransactionProgress) fail(err error) error {
	prev := p.state
	p.state = txFailed
	p.err = err

	var pv *ProtocolViolationError
	if errors.As(err, &pv) {
		keyvals := []interface{}{"err", err, "state", prev, "elapsed", time.Since(p.submitted)}
		p.logger.Warn("transaction watch failed", append(keyvals, p.diagnostics()...)...)
	} else {
		p.logger.Info("transaction watch failed", "err", err, "state", prev)
	}
	return err
}

// diagnostics describes what the correlator observed, for logging.
func (p *TransactionProgress) diagnostics() []interface{} {
	statuses := make([]string, len(p.statusLog))
	for i, e := range p.statusLog {
		statuses[i] = fmt.Sprintf("%s@%s", e.event, e.at)
	}
	var finalized, unfinalized int
	for _, b := range p.seen {
		if b.finalized {
			finalized++
		} else {
			unfinalized++
		}
	}
	initialized := make([]string, len(p.initialized))
	for i, h := range p.initialized {
		initialized[i] = h.Hex()
	}
	keyvals := []interface{}{
		"statuses", statuses,
		"initialized_at", initialized,
		"seen_finalized", finalized,
		"seen_unfinalized", unfinalized,
		"pruned", p.pruned,
		"other_events", p.other,
	}
	if b, ok := p.seen[p.target]; ok {
		keyvals = append(keyvals, "target_first_new", b.firstNew, "target_first_finalized", b.firstFinalized)
	}
	return keyvals
}

// Close stops watching the transaction and releases every block handle the
// stream holds.
func (p *TransactionProgress) Close() error {
	p.releaseSeen()
	p.blocks.Close()

	ctx, cancel := context.WithTimeout(context.Background(), unwatchTimeout)
	defer cancel()
	if err := p.status.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unwatching transaction: %w", err)
	}
	return nil
}
