// Package remote collects run output from remote machines over SSH/SFTP.
// Simulation runs that executed on another host leave their run directory
// there; the collect command pulls it into the local output tree.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Dialer abstracts the TCP dial so tests can stub the transport.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// NetDialer is the default Dialer.
type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) Dial(network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.Dial(network, addr)
}

// Host describes one remote machine holding run output.
type Host struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

func (h *Host) makeConfig() (*xssh.ClientConfig, error) {
	if h.Signer == nil {
		return nil, errors.New("remote: signer required")
	}
	if h.KnownHosts == nil {
		return nil, errors.New("remote: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            h.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(h.Signer)},
		HostKeyCallback: h.KnownHosts,
		Timeout:         h.Timeout,
	}, nil
}

// Dial establishes an SSH connection to the host. The caller closes the
// returned client.
func Dial(ctx context.Context, h *Host) (*xssh.Client, error) {
	cfg, err := h.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", h.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// RunCommand executes a remote command with retries and linear backoff,
// returning its combined output. Used to probe for run directories before
// transferring them.
func (h *Host) RunCommand(ctx context.Context, command string) (string, error) {
	cfg, err := h.makeConfig()
	if err != nil {
		return "", err
	}
	retries := h.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := h.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		out, err := h.runOnce(cfg, command)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return "", lastErr
}

func (h *Host) runOnce(cfg *xssh.ClientConfig, command string) (string, error) {
	cli, err := xssh.Dial("tcp", h.Addr, cfg)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", h.Addr, err)
	}
	defer cli.Close()
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(command)
	if err != nil {
		return string(out), fmt.Errorf("run command: %w", err)
	}
	return string(out), nil
}
