// Copyright 2026, Square, Inc.

package mock

import (
	"context"
	"errors"

	serr "github.com/square/uws/errors"
	"github.com/square/uws/proto"
	"github.com/square/uws/store"
)

var (
	ErrStore = errors.New("forced error in store")
)

var _ store.Store = &Store{}

type Store struct {
	SaveFunc      func(context.Context, proto.Job, store.Part) error
	ReadFunc      func(context.Context, string, store.Part) (proto.Job, error)
	ReadByPidFunc func(context.Context, int, store.Part) (proto.Job, error)
	ExistsFunc    func(context.Context, string) (bool, error)
	DeleteFunc    func(context.Context, string) error
	ListFunc      func(context.Context, store.Filter) ([]proto.Job, error)
}

func (s *Store) Save(ctx context.Context, job proto.Job, what store.Part) error {
	if s.SaveFunc != nil {
		return s.SaveFunc(ctx, job, what)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, jobId string, what store.Part) (proto.Job, error) {
	if s.ReadFunc != nil {
		return s.ReadFunc(ctx, jobId, what)
	}
	return proto.Job{}, serr.JobNotFound{JobId: jobId}
}

func (s *Store) ReadByPid(ctx context.Context, pid int, what store.Part) (proto.Job, error) {
	if s.ReadByPidFunc != nil {
		return s.ReadByPidFunc(ctx, pid, what)
	}
	return proto.Job{}, serr.JobNotFound{}
}

func (s *Store) Exists(ctx context.Context, jobId string) (bool, error) {
	if s.ExistsFunc != nil {
		return s.ExistsFunc(ctx, jobId)
	}
	return false, nil
}

func (s *Store) Delete(ctx context.Context, jobId string) error {
	if s.DeleteFunc != nil {
		return s.DeleteFunc(ctx, jobId)
	}
	return nil
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]proto.Job, error) {
	if s.ListFunc != nil {
		return s.ListFunc(ctx, f)
	}
	return []proto.Job{}, nil
}
