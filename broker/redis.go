// Copyright 2026, Square, Inc.

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/square/uws/proto"
)

// redisBroker implements Broker with Redis pub/sub so that job events reach
// waiters on every server sharing the job database.
type redisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a Broker publishing on channels <prefix>job:<jobid>.
func NewRedis(client *redis.Client, prefix string) Broker {
	return &redisBroker{
		client: client,
		prefix: prefix,
	}
}

// Channel returns the Redis channel of the job.
func Channel(prefix, jobId string) string {
	return prefix + "job:" + jobId
}

func (b *redisBroker) Publish(ctx context.Context, event proto.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Channel(b.prefix, event.JobId), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %s", err)
	}
	return nil
}

func (b *redisBroker) Subscribe(ctx context.Context, jobId string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, Channel(b.prefix, jobId))
	// Wait for the confirmation so no event published after Subscribe
	// returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %s", err)
	}
	s := &redisSub{
		pubsub: pubsub,
		c:      make(chan proto.Event, BUFFER),
		once:   &sync.Once{},
	}
	go s.forward()
	return s, nil
}

type redisSub struct {
	pubsub *redis.PubSub
	c      chan proto.Event
	once   *sync.Once
}

func (s *redisSub) forward() {
	for msg := range s.pubsub.Channel() {
		event, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			log.Warnf("bad job event on %s: %s", msg.Channel, err)
			continue
		}
		select {
		case s.c <- event:
		default:
		}
	}
}

func (s *redisSub) C() <-chan proto.Event {
	return s.c
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

// DecodeEvent decodes a published event.
func DecodeEvent(payload []byte) (proto.Event, error) {
	var event proto.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, err
	}
	if event.JobId == "" || !proto.IsPhase(event.Phase) {
		return event, fmt.Errorf("invalid event %q", payload)
	}
	return event, nil
}
