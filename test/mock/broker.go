// Copyright 2026, Square, Inc.

package mock

import (
	"context"
	"sync"

	"github.com/square/uws/broker"
	"github.com/square/uws/proto"
)

var _ broker.Broker = &Broker{}

// Broker records published events. If SubscribeFunc is nil, subscriptions
// never receive events.
type Broker struct {
	PublishFunc   func(context.Context, proto.Event) error
	SubscribeFunc func(context.Context, string) (broker.Subscription, error)

	published []proto.Event
	*sync.Mutex
}

func NewBroker() *Broker {
	return &Broker{Mutex: &sync.Mutex{}}
}

func (b *Broker) Publish(ctx context.Context, event proto.Event) error {
	b.Lock()
	b.published = append(b.published, event)
	b.Unlock()
	if b.PublishFunc != nil {
		return b.PublishFunc(ctx, event)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, jobId string) (broker.Subscription, error) {
	if b.SubscribeFunc != nil {
		return b.SubscribeFunc(ctx, jobId)
	}
	return &Subscription{Events: make(chan proto.Event)}, nil
}

// Published returns a copy of the published events.
func (b *Broker) Published() []proto.Event {
	b.Lock()
	defer b.Unlock()
	events := make([]proto.Event, len(b.published))
	copy(events, b.published)
	return events
}

type Subscription struct {
	Events chan proto.Event
	Closed bool
}

func (s *Subscription) C() <-chan proto.Event {
	return s.Events
}

func (s *Subscription) Close() error {
	s.Closed = true
	return nil
}
