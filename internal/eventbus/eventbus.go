// Package eventbus is the one-directional publish interface the chain
// engine uses to notify subscribers (spec.md §9 design note: "Cyclic
// references (chain engine <-> event emitter <-> subscribers) are replaced
// with a one-directional publish interface: the engine holds a list of
// subscriber handles and calls them; subscribers never hold the engine").
package eventbus

import (
	"coc-node/internal/types"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	EventNewBlock  EventKind = "new_block"
	EventLog       EventKind = "log"
	EventPendingTx EventKind = "pending_tx"
)

// Event is a single published notification. Exactly one of the payload
// fields is populated, matching EventKind.
type Event struct {
	Kind  EventKind
	Block *types.ChainBlock
	Log   *types.IndexedLog
	Tx    *types.MempoolTx
}

// Subscriber receives events. Implementations must not block for long —
// the bus calls subscribers synchronously and in order.
type Subscriber func(Event)

// Bus holds a flat list of subscriber handles. It is owned exclusively by
// the chain engine; subscribers never hold a reference back to the engine.
type Bus struct {
	subs []Subscriber
}

func New() *Bus { return &Bus{} }

// Subscribe registers a new handle. Not safe to call concurrently with
// Publish; callers register all subscribers during startup.
func (b *Bus) Subscribe(s Subscriber) {
	b.subs = append(b.subs, s)
}

// Publish calls every subscriber in registration order. Ordering guarantee
// (spec.md §5): events for a given block are ordered (new-block before its
// logs); events across blocks follow block-apply order, since new-block and
// log events are only published from the serialized applyBlock path.
// Pending-tx events are published from tx admission and are not ordered
// relative to block events.
func (b *Bus) Publish(e Event) {
	for _, s := range b.subs {
		s(e)
	}
}

// PublishNewBlock and PublishLog are small helpers so callers don't build
// Event literals at every call site.
func (b *Bus) PublishNewBlock(block *types.ChainBlock) {
	b.Publish(Event{Kind: EventNewBlock, Block: block})
}

func (b *Bus) PublishLog(log types.IndexedLog) {
	b.Publish(Event{Kind: EventLog, Log: &log})
}

func (b *Bus) PublishPendingTx(tx *types.MempoolTx) {
	b.Publish(Event{Kind: EventPendingTx, Tx: tx})
}
