package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// ErrBadAddr is returned for an address without a known scheme.
var ErrBadAddr = errors.New("agent address must be unix:PATH, tcp:HOST:PORT or vsock:[CID:]PORT")

// Listen opens a listener for addr. Supported forms are "unix:/path/sock",
// "tcp:host:port" and "vsock:port". A stale unix socket file is removed first.
func Listen(addr string) (net.Listener, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadAddr, addr)
	}

	switch scheme {
	case "unix":
		if err := os.Remove(rest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen("unix", rest)
	case "tcp":
		return net.Listen("tcp", rest)
	case "vsock":
		port, err := parsePort(rest)
		if err != nil {
			return nil, err
		}
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadAddr, addr)
	}
}

// Dial connects to an agent at addr. Besides the Listen forms it accepts
// "vsock:cid:port"; a bare "vsock:port" dials the host (CID 2).
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadAddr, addr)
	}

	switch scheme {
	case "unix", "tcp":
		var d net.Dialer
		return d.DialContext(ctx, scheme, rest)
	case "vsock":
		cid := uint32(vsock.Host)
		portStr := rest
		if c, p, ok := strings.Cut(rest, ":"); ok {
			n, err := strconv.ParseUint(c, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("vsock context id %q: %w", c, err)
			}
			cid, portStr = uint32(n), p
		}
		port, err := parsePort(portStr)
		if err != nil {
			return nil, err
		}
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock dial %d:%d: %w", cid, port, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadAddr, addr)
	}
}

func parsePort(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("vsock port %q: %w", s, err)
	}
	return uint32(n), nil
}
