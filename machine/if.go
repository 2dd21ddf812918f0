package machine

import (
	"fmt"
	"syscall"

	"github.com/vishvananda/netlink"
)

const (
	ifNameSize = 0x10
)

// If is a tap device in async mode: the kernel raises SIGIO when a
// frame is ready, which wakes the net device's rx goroutine.
type If struct {
	name string
	fd   int
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

func NewIf(name string, flag uint16) (*If, error) {
	var err error
	const netDev = "/dev/net/tun"

	t := &If{name, -1}

	if t.fd, err = syscall.Open(netDev, syscall.O_RDWR, 0); err != nil {
		return t, fmt.Errorf("%s: %w", netDev, err)
	}
	ifr := ifReq{
		Name:  [ifNameSize]byte{},
		Flags: flag | syscall.IFF_NO_PI,
	}
	copy(ifr.Name[:ifNameSize-1], name)

	ifrPtr := P(Ptr(&ifr))
	if _, err = Ioctl(P(t.fd), syscall.TUNSETIFF, ifrPtr); err != nil {
		return t, fmt.Errorf("TUN TUNSETIFF: %w", err)
	}
	if _, err = fcntl(P(t.fd), syscall.F_SETSIG, 0); err != nil {
		return t, fmt.Errorf("tun SETSIG: %w", err)
	}

	var flags P

	if flags, err = fcntl(P(t.fd), syscall.F_GETFL, 0); err != nil {
		return t, fmt.Errorf("TUN GETFL: %w", err)
	}
	flags |= syscall.O_NONBLOCK | syscall.O_ASYNC
	if _, err = fcntl(P(t.fd), syscall.F_SETFL, flags); err != nil {
		return t, fmt.Errorf("TUN SETFL NONBLOCK|ASYNC: %w", err)
	}
	return t, nil
}

// ConfigureHost assigns the host-side address to the tap link and
// brings it up.
func (t *If) ConfigureHost(cidr string) error {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("tap link %s: %w", t.name, err)
	}

	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("host address %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("assign %s to %s: %w", cidr, t.name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up %s: %w", t.name, err)
	}
	return nil
}

func (t *If) Close() error {
	return syscall.Close(t.fd)
}

func (t *If) Write(buf []byte) (n int, err error) {
	return syscall.Write(t.fd, buf)
}

func (t *If) Read(buf []byte) (n int, err error) {
	return syscall.Read(t.fd, buf)
}
