package kestrel

import (
	"fmt"
	"strconv"
	"strings"
)

// ListenFamily names the address family a ListenSpec resolves to
// (spec §3: "ListenSpec. Tuple (family, type, proto, address)").
type ListenFamily int

const (
	FamilyTCP ListenFamily = iota
	FamilyUnix
	FamilyVsock
)

// ListenSpec describes one socket to bind (or, for adopted sockets, one
// socket already bound by the caller).
type ListenSpec struct {
	Family ListenFamily

	// TCP
	Host string
	Port int

	// Unix
	Path string
	Mode uint32 // octal permission bits; 0 means "leave default"

	// Vsock
	CID  uint32
	VPort uint32
}

// ParseListenAddress parses one entry of the space-separated listen list
// described in spec §6: "TCP host:port... UNIX path with octal permission
// string; VSOCK cid:port".
func ParseListenAddress(s string) (ListenSpec, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "unix:"):
		return parseUnixSpec(strings.TrimPrefix(s, "unix:"))
	case strings.HasPrefix(s, "vsock:"):
		return parseVsockSpec(strings.TrimPrefix(s, "vsock:"))
	default:
		return parseTCPSpec(s)
	}
}

// ParseListenAddresses splits and parses a space-separated listen list.
func ParseListenAddresses(s string) ([]ListenSpec, error) {
	var specs []ListenSpec
	for _, field := range strings.Fields(s) {
		spec, err := ParseListenAddress(field)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseTCPSpec(s string) (ListenSpec, error) {
	host, portStr, err := splitHostPort(s)
	if err != nil {
		return ListenSpec{}, fmt.Errorf("kestrel: invalid listen address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ListenSpec{}, fmt.Errorf("kestrel: invalid port in %q: %w", s, err)
	}
	return ListenSpec{Family: FamilyTCP, Host: host, Port: port}, nil
}

// splitHostPort handles bracketed IPv6 literals ("[::1]:8080") the way
// net.SplitHostPort does, plus bare "host:port".
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		idx := strings.Index(s, "]:")
		if idx < 0 {
			return "", "", fmt.Errorf("missing ']:' in bracketed address")
		}
		return s[1:idx], s[idx+2:], nil
	}
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	return s[:idx], s[idx+1:], nil
}

// parseUnixSpec handles "unix:/path/to/socket" and
// "unix:/path/to/socket:0660" (path with an octal permission suffix).
func parseUnixSpec(s string) (ListenSpec, error) {
	parts := strings.Split(s, ":")
	spec := ListenSpec{Family: FamilyUnix, Path: parts[0]}
	if len(parts) == 2 {
		mode, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil {
			return ListenSpec{}, fmt.Errorf("kestrel: invalid unix socket mode %q: %w", parts[1], err)
		}
		spec.Mode = uint32(mode)
	}
	return spec, nil
}

func parseVsockSpec(s string) (ListenSpec, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ListenSpec{}, fmt.Errorf("kestrel: invalid vsock address %q, want cid:port", s)
	}
	cid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ListenSpec{}, fmt.Errorf("kestrel: invalid vsock cid %q: %w", parts[0], err)
	}
	port, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ListenSpec{}, fmt.Errorf("kestrel: invalid vsock port %q: %w", parts[1], err)
	}
	return ListenSpec{Family: FamilyVsock, CID: uint32(cid), VPort: uint32(port)}, nil
}
