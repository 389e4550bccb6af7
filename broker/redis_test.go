// Copyright 2026, Square, Inc.

package broker_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-test/deep"
	"github.com/redis/go-redis/v9"

	"github.com/square/uws/broker"
	"github.com/square/uws/proto"
)

// initRedis returns a client of the Redis at UWS_TEST_REDIS_ADDR, or of an
// in-process miniredis if it is not set.
func initRedis(t *testing.T) (*redis.Client, func()) {
	addr := os.Getenv("UWS_TEST_REDIS_ADDR")
	var mr *miniredis.Miniredis
	if addr == "" {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			t.Fatal(err)
		}
		addr = mr.Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return client, func() {
		client.Close()
		if mr != nil {
			mr.Close()
		}
	}
}

func TestRedisPublishSubscribe(t *testing.T) {
	client, cleanup := initRedis(t)
	defer cleanup()
	ctx := context.Background()
	b := broker.NewRedis(client, "uws-test:")

	s, err := b.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	other, err := b.Subscribe(ctx, "j2")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	// Malformed payloads on the channel are dropped.
	if err := client.Publish(ctx, broker.Channel("uws-test:", "j1"), "garbage").Err(); err != nil {
		t.Fatal(err)
	}
	event := proto.Event{JobId: "j1", Phase: proto.PHASE_EXECUTING}
	if err := b.Publish(ctx, event); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-s.C():
		if diff := deep.Equal(got, event); diff != nil {
			t.Error(diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	select {
	case got := <-other.C():
		t.Errorf("event for j1 received by j2 subscriber: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %s", err)
	}
	// Publishing after the last subscriber closed is not an error.
	if err := b.Publish(ctx, event); err != nil {
		t.Errorf("publish after close: %s", err)
	}
}

func TestRedisSubscribeError(t *testing.T) {
	client, cleanup := initRedis(t)
	cleanup()
	b := broker.NewRedis(client, "uws-test:")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.Subscribe(ctx, "j1"); err == nil {
		t.Error("no error subscribing with a closed client")
	}
}
