package backend

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/metrics"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

type startFunc func(ctx context.Context, subscriptionID string) (*nodeapi.MethodResponse, error)

// operation is one started node operation and the follow subscription its
// events arrive on.
type operation struct {
	name           string
	subscriptionID string
	id             string
	discarded      int

	sub *follow.Subscription
	at  *follow.BlockRef

	status  metrics.OperationStatus
	timer   *prometheus.Timer
	metrics *metrics.OperationMetrics
}

// startOperation starts an operation on the block at. The subscription to
// the shared stream is taken before the start call so the operation's
// events cannot be missed. The operation holds its own handle on at until
// closed.
func (b *Backend) startOperation(ctx context.Context, name string, at *follow.BlockRef, start startFunc) (*operation, error) {
	subscriptionID, err := b.handle.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}
	at = at.Clone()
	sub := b.handle.Subscribe()

	resp, err := start(ctx, subscriptionID)
	if err != nil {
		sub.Close()
		at.Release()
		b.metrics.Operation(name, metrics.OperationStatusError)
		return nil, fmt.Errorf("starting %s operation: %w", name, err)
	}
	if !resp.Started() {
		sub.Close()
		at.Release()
		b.metrics.Operation(name, metrics.OperationStatusRejected)
		b.logger.Debug("operation rejected", "operation", name, "block", at.Hash().Hex())
		return nil, ErrRequestRejected
	}

	return &operation{
		name:           name,
		subscriptionID: subscriptionID,
		id:             resp.OperationID,
		discarded:      resp.DiscardedItems,
		sub:            sub,
		at:             at,
		status:         metrics.OperationStatusDropped,
		timer:          b.metrics.OperationTimer(name),
		metrics:        b.metrics,
	}, nil
}

// next returns the next event of the operation, skipping and releasing
// everything else. Inaccessible and error events end the operation with an
// error.
func (op *operation) next(ctx context.Context) (nodeapi.OperationEvent, error) {
	for {
		ev, err := nextEvent(ctx, op.sub)
		if err != nil {
			return nil, err
		}
		if ev.Kind() == nodeapi.EventStop {
			// Operation ids do not survive their subscription.
			return nil, ErrSubscriptionDropped
		}
		opEv, ok := ev.(nodeapi.OperationEvent)
		if !ok || opEv.OperationID() != op.id {
			follow.ReleaseEvent(ev)
			continue
		}

		switch e := opEv.(type) {
		case *nodeapi.OperationInaccessible:
			op.status = metrics.OperationStatusInaccessible
			return nil, fmt.Errorf("%s operation %s: %w", op.name, op.id, ErrOperationInaccessible)
		case *nodeapi.OperationError:
			op.status = metrics.OperationStatusError
			return nil, &OperationError{OperationID: op.id, Message: e.Error}
		}
		return opEv, nil
	}
}

func (op *operation) succeed() {
	op.status = metrics.OperationStatusDone
}

// close detaches from the shared stream and releases the block handle.
func (op *operation) close() {
	op.sub.Close()
	op.at.Release()
	if op.timer != nil {
		op.timer.ObserveDuration()
	}
	op.metrics.Operation(op.name, op.status)
}

// BlockBody returns the undecoded extrinsics of a pinned block.
func (b *Backend) BlockBody(ctx context.Context, at *follow.BlockRef) ([][]byte, error) {
	op, err := b.startOperation(ctx, "body", at, func(ctx context.Context, subscriptionID string) (*nodeapi.MethodResponse, error) {
		return b.api.Body(ctx, subscriptionID, at.Hash())
	})
	if err != nil {
		return nil, err
	}
	defer op.close()

	for {
		ev, err := op.next(ctx)
		if err != nil {
			return nil, err
		}
		if done, ok := ev.(*nodeapi.OperationBodyDone); ok {
			op.succeed()
			exts := make([][]byte, len(done.Value))
			for i, ext := range done.Value {
				exts[i] = ext
			}
			return exts, nil
		}
	}
}

// Call executes a runtime function on the state of a pinned block and
// returns its encoded output.
func (b *Backend) Call(ctx context.Context, at *follow.BlockRef, function string, params []byte) ([]byte, error) {
	op, err := b.startOperation(ctx, "call", at, func(ctx context.Context, subscriptionID string) (*nodeapi.MethodResponse, error) {
		return b.api.Call(ctx, subscriptionID, at.Hash(), function, params)
	})
	if err != nil {
		return nil, err
	}
	defer op.close()

	for {
		ev, err := op.next(ctx)
		if err != nil {
			return nil, err
		}
		if done, ok := ev.(*nodeapi.OperationCallDone); ok {
			op.succeed()
			return done.Output, nil
		}
	}
}
