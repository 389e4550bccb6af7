// Copyright 2026, Square, Inc.

// Package auth identifies the callers of the REST API and checks the source
// address of job servers.
package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/square/uws/config"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/proto"
)

const ANONYMOUS = "anonymous"

// Internal is the identity of the maintenance loop. It is never
// authenticated from a request.
var Internal = proto.User{Name: "maintenance", Admin: true}

// Auth represents the auth plugin interface. Authenticate is called for every
// request to the UWS job resources. Trusted is called for the job-event and
// maintenance endpoints.
type Auth interface {
	// Authenticate caller from HTTP request.
	Authenticate(*http.Request) (proto.User, error)

	// Trusted returns true if addr (an IP address) may post job events.
	Trusted(addr string) bool
}

// Basic authenticates HTTP Basic "user:pid" credentials. It is the default
// auth plugin.
type Basic struct {
	cfg config.Auth
}

func NewBasic(cfg config.Auth) Basic {
	return Basic{cfg: cfg}
}

func (a Basic) Authenticate(req *http.Request) (proto.User, error) {
	name, pid, ok := req.BasicAuth()
	if !ok || name == "" {
		return proto.User{Name: ANONYMOUS, Pid: ANONYMOUS}, nil
	}
	if a.cfg.AdminName != "" && name == a.cfg.AdminName {
		if pid != a.cfg.AdminToken {
			return proto.User{}, serr.Forbidden{Message: "invalid credentials for " + name}
		}
		return proto.User{Name: name, Pid: pid, Admin: true}, nil
	}
	if name == Internal.Name {
		return proto.User{}, serr.Forbidden{Message: "reserved user name " + name}
	}
	return proto.User{Name: name, Pid: pid}, nil
}

// Trusted matches addr against the trusted job server prefixes. A host:port
// address is accepted too.
func (a Basic) Trusted(addr string) bool {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return false
	}
	for _, prefix := range a.cfg.TrustedJobServers {
		if prefix != "" && strings.HasPrefix(addr, prefix) {
			return true
		}
	}
	return false
}
