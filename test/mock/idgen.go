// Copyright 2026, Square, Inc.

package mock

import (
	"errors"

	"github.com/square/uws/id"
)

var (
	ErrIdGenerator = errors.New("forced error in id generator")
)

var _ id.Generator = IDGenerator{}

type IDGenerator struct {
	UIDFunc func(taken func(string) (bool, error)) (string, error)
	IDFunc  func() string
}

func (g IDGenerator) UID(taken func(string) (bool, error)) (string, error) {
	if g.UIDFunc != nil {
		return g.UIDFunc(taken)
	}
	return "", nil
}

func (g IDGenerator) ID() string {
	if g.IDFunc != nil {
		return g.IDFunc()
	}
	return ""
}
