// Copyright 2026, Square, Inc.

// Package retry calls a function until it succeeds or runs out of tries.
package retry

import (
	"context"
	"time"
)

type TryFunc func() error
type LogFunc func(error)

// Do calls tryFunc up to tries times, sleeping between calls. logFunc, if set,
// receives every error but the last, which is returned.
func Do(tries int, sleep time.Duration, tryFunc TryFunc, logFunc LogFunc) error {
	return DoContext(context.Background(), tries, sleep, tryFunc, logFunc)
}

// DoContext is Do but stops sleeping when ctx is done, returning the last
// error of tryFunc.
func DoContext(ctx context.Context, tries int, sleep time.Duration, tryFunc TryFunc, logFunc LogFunc) error {
	var err error
	for {
		if err = tryFunc(); err == nil {
			return nil
		}
		if tries--; tries <= 0 {
			return err
		}
		if logFunc != nil {
			logFunc(err)
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return err
		}
	}
}
