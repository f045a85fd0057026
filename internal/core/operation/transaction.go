package operation

import (
	"github.com/zeusync/scenesync/internal/core/channel"
)

// Transaction is an ordered batch of operations sent on one channel. Order matters:
// a later operation may target an entity loaded earlier in the same batch.
type Transaction struct {
	Reliable   bool
	DataType   channel.DataType
	Operations []Operation

	// Dropped counts operations skipped while decoding. It is never encoded.
	Dropped int
}

func NewTransaction(reliable bool, dt channel.DataType) *Transaction {
	id := channel.New(reliable, dt)
	return &Transaction{Reliable: id.Reliable, DataType: id.DataType}
}

func (tx *Transaction) Append(ops ...Operation) {
	tx.Operations = append(tx.Operations, ops...)
}

func (tx *Transaction) Len() int { return len(tx.Operations) }

func (tx *Transaction) Empty() bool { return len(tx.Operations) == 0 }

// Channel is the logical channel the transaction belongs on.
func (tx *Transaction) Channel() channel.ID {
	return channel.New(tx.Reliable, tx.DataType)
}
