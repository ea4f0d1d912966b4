package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ListenFdsEnvKey names the environment variable through which a supervisor
// passes already-open listening sockets, as colon-separated FD numbers.
const ListenFdsEnvKey = "LISTEN_FDS"

// Listen returns a TCP listener for address. If the environment carries
// inherited listener FDs the first one is used instead and address is
// ignored.
func Listen(address string) (net.Listener, error) {
	fds, err := ParseInheritedListenerFDs(ListenFdsEnvKey)
	if err != nil {
		return nil, err
	}
	if len(fds) > 0 {
		return NewListenerFromFD(fds[0])
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		if IsAddrInUse(err) {
			return nil, fmt.Errorf("address %s is already in use: %w", address, err)
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return ln, nil
}

// ParseInheritedListenerFDs parses the FD list held in envVarName. It
// returns nil when the variable is unset or empty.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}

	parts := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(parts))
	for _, p := range parts {
		fd, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, p, err)
		}
		if fd < 0 {
			return nil, fmt.Errorf("invalid negative FD number in environment variable %s (value: %q): %d", envVarName, fdsEnv, fd)
		}
		fds = append(fds, uintptr(fd))
	}
	return fds, nil
}

// NewListenerFromFD wraps an inherited listening socket.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	file := os.NewFile(fd, fmt.Sprintf("listener-from-fd-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("FD %d is not a valid file descriptor", fd)
	}
	// net.FileListener dups the descriptor, so file is closed either way.
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return ln, nil
}

// IsAddrInUse reports whether err is an "address already in use" failure.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
