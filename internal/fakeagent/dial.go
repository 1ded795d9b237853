// ABOUTME: Reconnect loop that keeps a fake agent attached to a server over TCP.
// ABOUTME: Retries with a fixed delay until the context ends or the server sends exit.

package fakeagent

import (
	"context"
	"errors"
	"net"
	"time"
)

// DefaultRetryDelay is how long Run waits between connection attempts.
const DefaultRetryDelay = 2 * time.Second

// Run dials addr and serves connections until ctx is cancelled or the server
// sends an exit command. Lost connections are retried after retryDelay.
func (a *Agent) Run(ctx context.Context, addr string, retryDelay time.Duration) error {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	var d net.Dialer

	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			a.logger.Warn("connect failed", "addr", addr, "error", err)
		} else {
			a.logger.Info("connected", "addr", addr)
			err = a.Serve(ctx, conn)
			if errors.Is(err, ErrExit) {
				a.logger.Info("exit requested by server")
				return nil
			}
			if err != nil {
				a.logger.Warn("connection lost", "error", err)
			} else {
				a.logger.Info("connection closed")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}
