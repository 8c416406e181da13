package nodeapi

import (
	"encoding/json"
	"fmt"
)

// DecodeFollowEvent decodes one follow notification payload.
func DecodeFollowEvent(raw []byte) (FollowEvent, error) {
	var tag struct {
		Event EventKind `json:"event"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("decoding follow event: %w", err)
	}

	var ev FollowEvent
	switch tag.Event {
	case EventInitialized:
		ev = &Initialized{}
	case EventNewBlock:
		ev = &NewBlock{}
	case EventBestBlockChanged:
		ev = &BestBlockChanged{}
	case EventFinalized:
		ev = &Finalized{}
	case EventOperationBodyDone:
		ev = &OperationBodyDone{}
	case EventOperationCallDone:
		ev = &OperationCallDone{}
	case EventOperationStorageItems:
		ev = &OperationStorageItems{}
	case EventOperationWaitingForContinue:
		ev = &OperationWaitingForContinue{}
	case EventOperationStorageDone:
		ev = &OperationStorageDone{}
	case EventOperationInaccessible:
		ev = &OperationInaccessible{}
	case EventOperationError:
		ev = &OperationError{}
	case EventStop:
		return &Stop{}, nil
	default:
		return nil, fmt.Errorf("decoding follow event: unknown event %q", tag.Event)
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", tag.Event, err)
	}
	return ev, nil
}

// DecodeTransactionEvent decodes one transaction status notification payload.
func DecodeTransactionEvent(raw []byte) (*TransactionEvent, error) {
	var ev TransactionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decoding transaction event: %w", err)
	}
	switch ev.Event {
	case TransactionValidated, TransactionBroadcasted, TransactionBestChainBlockIncluded,
		TransactionError, TransactionInvalid, TransactionDropped:
	case TransactionFinalized:
		if ev.Block == nil {
			return nil, fmt.Errorf("decoding transaction event: finalized without block")
		}
	default:
		return nil, fmt.Errorf("decoding transaction event: unknown event %q", ev.Event)
	}
	return &ev, nil
}
