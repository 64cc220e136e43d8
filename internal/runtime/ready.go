package runtime

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const readyPollInterval = 100 * time.Millisecond

// waitReady polls the service's port until it accepts a TCP
// connection. It gives up when the timeout passes, the context is
// cancelled, or the service exits first.
func waitReady(ctx context.Context, host string, port int, timeout time.Duration, exited <-chan struct{}) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.After(timeout)
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, readyPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-exited:
			return fmt.Errorf("service exited before accepting connections on %s", addr)
		case <-deadline:
			return fmt.Errorf("service did not accept connections on %s within %s", addr, timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
