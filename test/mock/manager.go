// Copyright 2026, Square, Inc.

package mock

import (
	"context"
	"errors"

	"github.com/square/uws/jdl"
	"github.com/square/uws/manager"
	"github.com/square/uws/proto"
)

var (
	ErrManager = errors.New("forced error in manager")
)

var _ manager.Manager = &Manager{}

type Manager struct {
	StartFunc        func(context.Context, proto.Job, *jdl.Job) (string, error)
	AbortFunc        func(context.Context, proto.Job) error
	DeleteFunc       func(context.Context, proto.Job) error
	StatusFunc       func(context.Context, proto.Job) (manager.Status, error)
	FetchJobdataFunc func(context.Context, proto.Job) error
	CopyScriptFunc   func(context.Context, string) error
}

func (m *Manager) Start(ctx context.Context, job proto.Job, desc *jdl.Job) (string, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, job, desc)
	}
	return "", nil
}

func (m *Manager) Abort(ctx context.Context, job proto.Job) error {
	if m.AbortFunc != nil {
		return m.AbortFunc(ctx, job)
	}
	return nil
}

func (m *Manager) Delete(ctx context.Context, job proto.Job) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, job)
	}
	return nil
}

func (m *Manager) Status(ctx context.Context, job proto.Job) (manager.Status, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, job)
	}
	return manager.Status{Phase: job.Phase}, nil
}

func (m *Manager) FetchJobdata(ctx context.Context, job proto.Job) error {
	if m.FetchJobdataFunc != nil {
		return m.FetchJobdataFunc(ctx, job)
	}
	return nil
}

func (m *Manager) CopyScript(ctx context.Context, jobname string) error {
	if m.CopyScriptFunc != nil {
		return m.CopyScriptFunc(ctx, jobname)
	}
	return nil
}
