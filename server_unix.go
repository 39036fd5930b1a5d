package kestrel

import (
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// bindListenSpec creates, binds, and listens on the socket described by
// spec, returning its raw fd and the listenerStrategy for its address
// family (spec §4.4 construction path (a): "freshly bound from
// host/port/unix path").
func bindListenSpec(spec ListenSpec, adj *Adjustments) (fd int, strategy listenerStrategy, unixPath string, err error) {
	switch spec.Family {
	case FamilyTCP:
		fd, err := bindTCP(spec, adj.Backlog())
		return fd, &tcpStrategy{}, "", err
	case FamilyUnix:
		fd, err := bindUnix(spec, adj.Backlog())
		return fd, &unixStrategy{path: spec.Path}, spec.Path, err
	case FamilyVsock:
		fd, err := bindVsock(spec, adj.Backlog())
		return fd, &vsockStrategy{}, "", err
	default:
		return -1, nil, "", WrapError("kestrel: bind", syscall.EAFNOSUPPORT)
	}
}

func strategyForFamily(f ListenFamily) listenerStrategy {
	switch f {
	case FamilyUnix:
		return &unixStrategy{}
	case FamilyVsock:
		return &vsockStrategy{}
	default:
		return &tcpStrategy{}
	}
}

// listenAdoptedFD calls listen(backlog) on an already-bound fd (spec §4.4
// construction path (b): "no bind() is called, only listen(backlog)").
func listenAdoptedFD(fd, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return WrapError("kestrel: listen on adopted fd", err)
	}
	return setNonblocking(fd)
}

func bindTCP(spec ListenSpec, backlog int) (int, error) {
	host := spec.Host
	if host == "" {
		host = "0.0.0.0"
	}
	ip, err := resolveHostIP(host)
	if err != nil {
		return -1, WrapError("kestrel: resolve host", err)
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		var addr unix.SockaddrInet4
		copy(addr.Addr[:], ip4)
		addr.Port = spec.Port
		sa = &addr
	} else {
		domain = unix.AF_INET6
		var addr unix.SockaddrInet6
		copy(addr.Addr[:], ip.To16())
		addr.Port = spec.Port
		sa = &addr
	}

	fd, err := newStreamSocket(domain)
	if err != nil {
		return -1, WrapError("kestrel: socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, WrapError("kestrel: SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, WrapError("kestrel: bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, WrapError("kestrel: listen", err)
	}
	return fd, nil
}

func resolveHostIP(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	return addrs[0], nil
}

func bindUnix(spec ListenSpec, backlog int) (int, error) {
	_ = os.Remove(spec.Path)

	fd, err := newStreamSocket(unix.AF_UNIX)
	if err != nil {
		return -1, WrapError("kestrel: socket", err)
	}
	sa := &unix.SockaddrUnix{Name: spec.Path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, WrapError("kestrel: bind", err)
	}
	if spec.Mode != 0 {
		if err := os.Chmod(spec.Path, os.FileMode(spec.Mode)); err != nil {
			unix.Close(fd)
			return -1, WrapError("kestrel: chmod unix socket", err)
		}
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, WrapError("kestrel: listen", err)
	}
	return fd, nil
}

func bindVsock(spec ListenSpec, backlog int) (int, error) {
	fd, err := newStreamSocket(unix.AF_VSOCK)
	if err != nil {
		return -1, WrapError("kestrel: socket", err)
	}
	sa := &unix.SockaddrVM{CID: spec.CID, Port: spec.VPort}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, WrapError("kestrel: bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, WrapError("kestrel: listen", err)
	}
	return fd, nil
}

func applySocketOptions(fd int, opts []SocketOption) {
	for _, opt := range opts {
		_ = unix.SetsockoptInt(fd, opt.Level, opt.Name, opt.Value)
	}
}

func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}

// tcpStrategy is the listenerStrategy for AF_INET/AF_INET6 (spec §9).
type tcpStrategy struct{}

func (tcpStrategy) acceptAndAdaptPeerAddr(listenFD int) (int, string, error) {
	nfd, sa, err := acceptNonblockingCloexec(listenFD)
	if err != nil {
		return -1, "", classifyAcceptError(err)
	}
	return nfd, formatSockaddr(sa), nil
}

func (tcpStrategy) appliesSocketOptions() bool { return true }
func (tcpStrategy) cleanupOnClose()            {}

// unixStrategy is the listenerStrategy for AF_UNIX (spec §4.4 scenario f:
// "channel constructed with peer address (\"localhost\", None); no socket
// options applied to the accepted UNIX socket").
type unixStrategy struct {
	path string
}

func (unixStrategy) acceptAndAdaptPeerAddr(listenFD int) (int, string, error) {
	nfd, _, err := acceptNonblockingCloexec(listenFD)
	if err != nil {
		return -1, "", classifyAcceptError(err)
	}
	return nfd, "localhost", nil
}

func (unixStrategy) appliesSocketOptions() bool { return false }

func (s unixStrategy) cleanupOnClose() {
	if s.path != "" {
		_ = os.Remove(s.path)
	}
}

// vsockStrategy is the listenerStrategy for AF_VSOCK.
type vsockStrategy struct{}

func (vsockStrategy) acceptAndAdaptPeerAddr(listenFD int) (int, string, error) {
	nfd, sa, err := acceptNonblockingCloexec(listenFD)
	if err != nil {
		return -1, "", classifyAcceptError(err)
	}
	if v, ok := sa.(*unix.SockaddrVM); ok {
		return nfd, vsockAddr(v), nil
	}
	return nfd, "", nil
}

func (vsockStrategy) appliesSocketOptions() bool { return true }
func (vsockStrategy) cleanupOnClose()            {}

// classifyAcceptError maps an accept(2) errno to spec §7's policy:
// EWOULDBLOCK/EAGAIN are transient no-ops; EMFILE/ENFILE/ENOBUFS/
// ECONNABORTED survive with a log; EBADF/EINVAL are fatal to the acceptor.
func classifyAcceptError(err error) error {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return err
	}
	switch errno {
	case unix.EAGAIN, unix.EWOULDBLOCK:
		return &AcceptError{Op: "accept", Errno: errno, Fatal: false, Transient: true}
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ECONNABORTED:
		return &AcceptError{Op: "accept", Errno: errno, Fatal: false}
	case unix.EBADF, unix.EINVAL:
		return &AcceptError{Op: "accept", Errno: errno, Fatal: true}
	default:
		return &AcceptError{Op: "accept", Errno: errno, Fatal: false}
	}
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), itoa(a.Port))
	default:
		return ""
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func vsockAddr(v *unix.SockaddrVM) string {
	return itoa(int(v.CID)) + ":" + itoa(int(v.Port))
}
