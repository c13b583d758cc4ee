package utils

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// portDialTimeout bounds a single connection attempt
const portDialTimeout = 2 * time.Second

// portRetryInterval is the pause between failed connection attempts
var portRetryInterval = time.Second

// WaitForPort blocks until host:port accepts a TCP connection, timeout
// elapses, or ctx is cancelled
func WaitForPort(ctx context.Context, host string, port int, timeout time.Duration) error {
	if err := ValidatePort(port); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: portDialTimeout}

	for {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("port %s not reachable after %s: %w", address, FormatDuration(timeout), ctx.Err())
		case <-time.After(portRetryInterval):
		}
	}
}
