package netutil

import (
	"context"
	"net"
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/poll"
)

// WaitListen waits until addr accepts a TCP connection.
// An address without a host is dialed on the loopback.
func WaitListen(ctx context.Context, addr string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return xerrors.WithStack(err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	addr = net.JoinHostPort(host, port)

	interval := timeout / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	p := poll.Poller{Interval: interval, Timeout: timeout, Immediate: true}
	err = p.UntilSucceeded(ctx, func(ctx context.Context) error {
		d := &net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return xerrors.WithMessagef(err, "netutil: %s is not listening", addr)
	}

	return nil
}
