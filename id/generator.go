// Copyright 2026, Square, Inc.

// Package id provides an interface for generating job ids.
package id

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// MAX_LENGTH is the length of a full id: a random 128-bit UUID in hex.
const MAX_LENGTH = 32

var (
	ErrGenerateUnique = errors.New("unable to generate a unique job id")
)

// A Generator generates ids. It is safe for use in concurrent threads.
type Generator interface {
	// ID generates a random hex id.
	ID() string

	// UID generates an id for which taken returns false. It returns
	// ErrGenerateUnique if it can't generate one, or the error from taken.
	UID(taken func(id string) (bool, error)) (string, error)
}

// generator implements the Generator interface.
type generator struct {
	idLen int // number of characters in an id
	tries int // number of times to attempt generating an id before erroring
}

// NewGenerator creates a Generator. The first argument is the length of ids,
// 1 to MAX_LENGTH; other values mean MAX_LENGTH. Shorter ids are the last
// idLen characters of a full id. The second argument is the number of times
// UID tries to create an id before returning an error.
func NewGenerator(idLen, tries int) Generator {
	if idLen <= 0 || idLen > MAX_LENGTH {
		idLen = MAX_LENGTH
	}
	if tries < 1 {
		tries = 1
	}
	return &generator{
		idLen: idLen,
		tries: tries,
	}
}

func (g *generator) ID() string {
	id := strings.Replace(uuid.New().String(), "-", "", -1)
	return id[MAX_LENGTH-g.idLen:]
}

func (g *generator) UID(taken func(id string) (bool, error)) (string, error) {
	for i := 0; i < g.tries; i++ {
		id := g.ID()
		if taken == nil {
			return id, nil
		}
		exists, err := taken(id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", ErrGenerateUnique
}
