// Copyright 2026, Square, Inc.

// Package broker publishes job phase changes to waiters. Blocking GETs
// subscribe to a job, re-read it, and wait for an event. Delivery is not
// durable: a waiter that misses an event still times out and reloads the job.
package broker

import (
	"context"
	"fmt"

	"github.com/orcaman/concurrent-map"
	"github.com/rs/xid"

	"github.com/square/uws/proto"
)

// A Broker publishes job events to subscribers of the job.
type Broker interface {
	// Publish sends the event to all current subscribers of event.JobId. It
	// never blocks on slow subscribers.
	Publish(ctx context.Context, event proto.Event) error

	// Subscribe returns a subscription to events of the job. The caller must
	// close it.
	Subscribe(ctx context.Context, jobId string) (Subscription, error)
}

// A Subscription receives events of one job until it is closed.
type Subscription interface {
	// C returns the channel of events. It is buffered; events are dropped if
	// the buffer is full.
	C() <-chan proto.Event

	// Close unsubscribes. It is safe to call more than once.
	Close() error
}

// BUFFER is the number of events buffered per subscription.
const BUFFER = 4

// subscribers of one job: waiter id => channel. Maps are never modified
// after they are stored in the registry; they are replaced.
type subscribers map[string]chan proto.Event

// memory implements Broker in-process.
type memory struct {
	subs cmap.ConcurrentMap // jobId => subscribers
}

// NewMemory returns an in-process Broker.
func NewMemory() Broker {
	return &memory{
		subs: cmap.New(),
	}
}

func (m *memory) Publish(ctx context.Context, event proto.Event) error {
	v, ok := m.subs.Get(event.JobId)
	if !ok {
		return nil
	}
	for _, c := range v.(subscribers) {
		select {
		case c <- event:
		default:
		}
	}
	return nil
}

func (m *memory) Subscribe(ctx context.Context, jobId string) (Subscription, error) {
	s := &memorySub{
		id:     xid.New().String(),
		jobId:  jobId,
		c:      make(chan proto.Event, BUFFER),
		broker: m,
	}
	m.subs.Upsert(jobId, nil, func(exists bool, inMap interface{}, _ interface{}) interface{} {
		next := subscribers{}
		if exists {
			for k, v := range inMap.(subscribers) {
				next[k] = v
			}
		}
		next[s.id] = s.c
		return next
	})
	return s, nil
}

func (m *memory) unsubscribe(s *memorySub) {
	m.subs.Upsert(s.jobId, nil, func(exists bool, inMap interface{}, _ interface{}) interface{} {
		next := subscribers{}
		if exists {
			for k, v := range inMap.(subscribers) {
				if k != s.id {
					next[k] = v
				}
			}
		}
		return next
	})
	m.subs.RemoveCb(s.jobId, func(key string, v interface{}, exists bool) bool {
		return exists && len(v.(subscribers)) == 0
	})
}

// Subscribers returns the number of subscribers of the job.
func Subscribers(b Broker, jobId string) int {
	m, ok := b.(*memory)
	if !ok {
		return -1
	}
	v, ok := m.subs.Get(jobId)
	if !ok {
		return 0
	}
	return len(v.(subscribers))
}

type memorySub struct {
	id     string
	jobId  string
	c      chan proto.Event
	broker *memory
	closed bool
}

func (s *memorySub) C() <-chan proto.Event {
	return s.c
}

func (s *memorySub) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.broker.unsubscribe(s)
	return nil
}

func (s *memorySub) String() string {
	return fmt.Sprintf("%s@%s", s.id, s.jobId)
}
