// Package addr extracts the bind port from a guest-supplied address hint.
//
// A hint carries its port positionally: the four characters after the first
// one (":8080" or "@8080/x") are read as a decimal number. Nothing else in the
// hint is interpreted.
package addr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	// PortOffset is the index of the first port character in a hint.
	PortOffset = 1
	// PortWidth is the number of characters read as the port.
	PortWidth = 4
)

var (
	ErrShortHint   = errors.New("hint too short")
	ErrInvalidPort = errors.New("invalid port")
)

// Port returns the port encoded in hint, or 0 when the port window is
// missing or not numeric.
func Port(hint string) int {
	port, err := ParsePort(hint)
	if err != nil {
		return 0
	}
	return port
}

// ParsePort is Port with the failure reported instead of folded into 0.
func ParsePort(hint string) (int, error) {
	if len(hint) < PortOffset+PortWidth {
		return 0, fmt.Errorf("%w: %q", ErrShortHint, hint)
	}

	window := hint[PortOffset : PortOffset+PortWidth]
	for i := 0; i < len(window); i++ {
		if window[i] < '0' || window[i] > '9' {
			return 0, fmt.Errorf("%w: %q in hint %q", ErrInvalidPort, window, hint)
		}
	}

	port, err := strconv.Atoi(window)
	if err != nil {
		return 0, fmt.Errorf("%w: %q in hint %q", ErrInvalidPort, window, hint)
	}
	return port, nil
}

// JoinHostPort builds a listen address for port on bindHost. An empty
// bindHost listens on all interfaces.
func JoinHostPort(bindHost string, port int) string {
	return net.JoinHostPort(bindHost, strconv.Itoa(port))
}
