// Copyright 2026, Square, Inc.

package manager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/square/uws/config"
	"github.com/square/uws/retry"
)

// A Runner runs shell commands on the batch cluster.
type Runner interface {
	// Run runs cmd with stdin (may be nil) and writes its standard output to
	// stdout (may be nil). A non-zero exit returns a *RunError.
	Run(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) error
}

// RunError is a failed remote command.
type RunError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Cmd, e.Err, strings.TrimSpace(e.Stderr))
}

// sshRunner implements Runner over one SSH connection, redialed when it
// breaks.
type sshRunner struct {
	addr   string
	cfg    *ssh.ClientConfig
	tries  int
	client *ssh.Client
	*sync.Mutex
}

// NewSSHRunner returns a Runner connected lazily to cfg.Host.
func NewSSHRunner(cfg config.SSH) (Runner, error) {
	key, err := ioutil.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading SSH key: %s", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH key: %s", err)
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %s", err)
		}
	} else {
		log.Warnf("no known_hosts file: host key of %s is not verified", cfg.Host)
	}
	addr := cfg.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	tries := cfg.DialTries
	if tries < 1 {
		tries = 1
	}
	return &sshRunner{
		addr: addr,
		cfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		},
		tries: tries,
		Mutex: &sync.Mutex{},
	}, nil
}

func (r *sshRunner) connect() (*ssh.Client, error) {
	r.Lock()
	defer r.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	err := retry.Do(r.tries, time.Second,
		func() error {
			c, err := ssh.Dial("tcp", r.addr, r.cfg)
			if err != nil {
				return err
			}
			r.client = c
			return nil
		},
		func(err error) {
			log.Warnf("ssh dial %s: %s (retrying)", r.addr, err)
		},
	)
	return r.client, err
}

func (r *sshRunner) reset(c *ssh.Client) {
	r.Lock()
	defer r.Unlock()
	if r.client == c {
		r.client.Close()
		r.client = nil
	}
}

func (r *sshRunner) Run(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) error {
	client, err := r.connect()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		// The connection is broken: redial once.
		r.reset(client)
		if client, err = r.connect(); err != nil {
			return err
		}
		if session, err = client.NewSession(); err != nil {
			return err
		}
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return ctx.Err()
	}
	if err != nil {
		return &RunError{Cmd: cmd, Stderr: stderr.String(), Err: err}
	}
	return nil
}
