// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package listen creates listening sockets on behalf of unprivileged
// processes.  The main process binds the socket and passes the descriptor
// back over a port; failures are reported with a code from a small, fixed
// taxonomy so that the requester can explain them to the user.
package listen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	ErrBadAddr = errors.New("listen: bad address")
)

// Addr is a listening address: an IPv4 or IPv6 address and port, or a
// filesystem path for a unix domain socket.
type Addr struct {
	Family int
	IP     net.IP
	Port   int
	Path   string
}

// ParseAddr accepts "*:port", "ipv4:port", "[ipv6]:port" and "unix:/path".
func ParseAddr(s string) (*Addr, error) {
	if path := strings.TrimPrefix(s, "unix:"); path != s {
		if path == "" || len(path) >= len(unix.RawSockaddrUnix{}.Path) {
			return nil, fmt.Errorf("%w: %q", ErrBadAddr, s)
		}
		return &Addr{Family: unix.AF_UNIX, Path: path}, nil
	}
	host, ps, e := net.SplitHostPort(s)
	if e != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadAddr, s, e)
	}
	port, e := strconv.Atoi(ps)
	if e != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %q: bad port", ErrBadAddr, s)
	}
	a := &Addr{Family: unix.AF_INET, Port: port}
	switch host {
	case "*", "":
		a.IP = net.IPv4zero.To4()
		return a, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q: not an IP address", ErrBadAddr, s)
	}
	if ip4 := ip.To4(); ip4 != nil {
		a.IP = ip4
	} else {
		a.Family = unix.AF_INET6
		a.IP = ip.To16()
	}
	return a, nil
}

func (a *Addr) String() string {
	switch a.Family {
	case unix.AF_UNIX:
		return "unix:" + a.Path
	case unix.AF_INET:
		if a.IP.Equal(net.IPv4zero) {
			return "*:" + strconv.Itoa(a.Port)
		}
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// MarshalBinary encodes the address as carried in CREATE_LISTEN_SOCKET:
// a family byte, a big endian port, then the raw IP or the path.
func (a *Addr) MarshalBinary() ([]byte, error) {
	var b []byte
	switch a.Family {
	case unix.AF_INET:
		b = append([]byte{4, 0, 0}, a.IP.To4()...)
	case unix.AF_INET6:
		b = append([]byte{6, 0, 0}, a.IP.To16()...)
	case unix.AF_UNIX:
		b = append([]byte{'u', 0, 0}, a.Path...)
	default:
		return nil, fmt.Errorf("%w: family %d", ErrBadAddr, a.Family)
	}
	binary.BigEndian.PutUint16(b[1:3], uint16(a.Port))
	return b, nil
}

// UnmarshalBinary decodes an address produced by MarshalBinary.
func (a *Addr) UnmarshalBinary(b []byte) error {
	if len(b) < 3 {
		return fmt.Errorf("%w: %d bytes", ErrBadAddr, len(b))
	}
	port := int(binary.BigEndian.Uint16(b[1:3]))
	rest := b[3:]
	switch b[0] {
	case 4:
		if len(rest) != net.IPv4len {
			return fmt.Errorf("%w: ipv4 length %d", ErrBadAddr, len(rest))
		}
		*a = Addr{Family: unix.AF_INET, IP: net.IP(append([]byte(nil), rest...)), Port: port}
	case 6:
		if len(rest) != net.IPv6len {
			return fmt.Errorf("%w: ipv6 length %d", ErrBadAddr, len(rest))
		}
		*a = Addr{Family: unix.AF_INET6, IP: net.IP(append([]byte(nil), rest...)), Port: port}
	case 'u':
		if len(rest) == 0 {
			return fmt.Errorf("%w: empty path", ErrBadAddr)
		}
		*a = Addr{Family: unix.AF_UNIX, Path: string(rest)}
	default:
		return fmt.Errorf("%w: family tag %d", ErrBadAddr, b[0])
	}
	return nil
}

func (a *Addr) sockaddr() unix.Sockaddr {
	switch a.Family {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], a.IP.To4())
		return sa
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], a.IP.To16())
		return sa
	}
	return &unix.SockaddrUnix{Name: a.Path}
}
