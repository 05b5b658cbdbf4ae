package topic

import (
	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/lumenmq/lumenmq/engine/brokererr"
)

// PartitionStrategyKind selects how an append request's target partition
// is resolved (spec §4.4 "Partitioning": "Three strategies encoded in
// each append request").
type PartitionStrategyKind uint8

const (
	PartitionBalanced PartitionStrategyKind = iota + 1
	PartitionExplicit
	PartitionMessagesKey
)

// PartitionSelector is the append request's partitioning instruction.
type PartitionSelector struct {
	Kind        PartitionStrategyKind
	PartitionID uint32 // used when Kind == PartitionExplicit
	Key         []byte // used when Kind == PartitionMessagesKey, up to 255 bytes
}

// resolvePartitionID picks the target partition id in [1,n] for sel,
// round-robining the shared counter for Balanced, validating bounds for
// Explicit, and hashing for MessagesKey (spec §4.4 "Partitioning").
func resolvePartitionID(sel PartitionSelector, n uint32, counter *atomic.Uint32) (uint32, error) {
	if n == 0 {
		return 0, brokererr.New(brokererr.CodePartitionNotFound, "topic has no partitions")
	}

	switch sel.Kind {
	case PartitionBalanced:
		next := counter.Add(1) - 1
		return (next % n) + 1, nil

	case PartitionExplicit:
		if sel.PartitionID < 1 || sel.PartitionID > n {
			return 0, brokererr.New(brokererr.CodePartitionNotFound,
				"explicit partition id out of range")
		}
		return sel.PartitionID, nil

	case PartitionMessagesKey:
		if len(sel.Key) == 0 || len(sel.Key) > 255 {
			return 0, brokererr.New(brokererr.CodeInvalidIdentifier, "invalid partitioning key length")
		}
		h := uint32(xxhash.Sum64(sel.Key))
		mod := h % n
		if mod == 0 {
			return n, nil
		}
		return mod, nil

	default:
		return 0, brokererr.New(brokererr.CodeInvalidIdentifier, "unknown partitioning strategy")
	}
}
