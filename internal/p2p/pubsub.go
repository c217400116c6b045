package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"
)

// PubSubHub wraps a libp2p host and gossipsub router for the
// `/p2p/pubsub-message` bridge endpoint (spec.md §4.8): an HTTP POST on
// that path republishes onto the matching libp2p topic, and anything
// arriving on a joined topic is handed to the registered handler.
//
// Grounded on the teacher's core/network.go Node.Broadcast/Subscribe pair;
// the host/topic bookkeeping follows that file's topicLock/subLock idiom.
type PubSubHub struct {
	ctx    context.Context
	cancel context.CancelFunc

	host   hostCloser
	pubsub *pubsub.PubSub

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic

	subLock sync.Mutex
	subs    map[string]*pubsub.Subscription
}

// hostCloser is the subset of host.Host this package needs, kept narrow so
// tests can substitute a fake.
type hostCloser interface {
	Close() error
}

// NewPubSubHub creates a libp2p host listening on listenAddr and joins
// gossipsub on top of it (spec.md §4.8's pubsub-message transport).
func NewPubSubHub(listenAddr string) (*PubSubHub, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: pubsub: new host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: pubsub: new gossipsub: %w", err)
	}
	return &PubSubHub{
		ctx: ctx, cancel: cancel, host: h, pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}, nil
}

func (h *PubSubHub) joinLocked(topic string) (*pubsub.Topic, error) {
	h.topicLock.Lock()
	defer h.topicLock.Unlock()
	t, ok := h.topics[topic]
	if ok {
		return t, nil
	}
	t, err := h.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("p2p: pubsub: join %s: %w", topic, err)
	}
	h.topics[topic] = t
	return t, nil
}

// Publish republishes message onto topic, joining it first if needed.
func (h *PubSubHub) Publish(topic string, message []byte) error {
	t, err := h.joinLocked(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(h.ctx, message); err != nil {
		return fmt.Errorf("p2p: pubsub: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins topic and delivers every received message to handler
// until the hub is closed.
func (h *PubSubHub) Subscribe(topic string, handler func(data []byte)) error {
	t, err := h.joinLocked(topic)
	if err != nil {
		return err
	}
	h.subLock.Lock()
	if _, ok := h.subs[topic]; ok {
		h.subLock.Unlock()
		return nil
	}
	sub, err := t.Subscribe()
	if err != nil {
		h.subLock.Unlock()
		return fmt.Errorf("p2p: pubsub: subscribe %s: %w", topic, err)
	}
	h.subs[topic] = sub
	h.subLock.Unlock()

	go func() {
		for {
			msg, err := sub.Next(h.ctx)
			if err != nil {
				logrus.WithError(err).WithField("topic", topic).Debug("p2p: pubsub: subscription closed")
				return
			}
			handler(msg.Data)
		}
	}()
	return nil
}

// Close tears down every subscription and the underlying host.
func (h *PubSubHub) Close() error {
	h.cancel()
	return h.host.Close()
}
