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

package port

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Role is the kind of process owning a port.
type Role int

const (
	RoleMain Role = iota
	RoleDiscovery
	RoleController
	RoleRouter
	RoleWorker
)

var roleNames = [...]string{
	RoleMain:       "main",
	RoleDiscovery:  "discovery",
	RoleController: "controller",
	RoleRouter:     "router",
	RoleWorker:     "worker",
}

func (r Role) String() string {
	if r >= 0 && int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", int(r))
}

type fragKey struct {
	pid    uint32
	stream uint32
	typ    Type
}

// Port is one end of a socket pair channel.  The read end and the write end
// are closed independently: a parent keeps only the write end of the ports
// it hands to its children, and a child keeps only the read end of its own.
//
// Write may be called from any goroutine.  Read must only be called from
// one goroutine at a time.
type Port struct {
	PID  int
	ID   uint32
	Role Role

	rfile *os.File
	wfile *os.File
	rconn *net.UnixConn
	wconn *net.UnixConn

	wlock   sync.Mutex
	rlock   sync.Mutex
	partial map[fragKey]*Message
	buf     []byte
	oob     []byte
}

// New creates a port backed by a fresh SOCK_SEQPACKET socket pair.
func New(pid int, id uint32, role Role) (*Port, error) {
	fds, e := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if e != nil {
		return nil, fmt.Errorf("socketpair: %w", e)
	}
	p := &Port{PID: pid, ID: id, Role: role}
	p.rfile = os.NewFile(uintptr(fds[0]), fmt.Sprintf("port-%s-read", role))
	p.wfile = os.NewFile(uintptr(fds[1]), fmt.Sprintf("port-%s-write", role))
	return p, nil
}

// Open wraps descriptors inherited from a parent.  Either end may be nil.
func Open(r, w *os.File, pid int, id uint32, role Role) *Port {
	return &Port{PID: pid, ID: id, Role: role, rfile: r, wfile: w}
}

// ReadFile returns the read end, for handing to a child process.
func (p *Port) ReadFile() *os.File {
	return p.rfile
}

// WriteFile returns the write end, for handing to a child process.
func (p *Port) WriteFile() *os.File {
	return p.wfile
}

// EnableWrite prepares the write end for Write.
func (p *Port) EnableWrite() error {
	p.wlock.Lock()
	defer p.wlock.Unlock()
	if p.wconn != nil {
		return nil
	}
	if p.wfile == nil {
		return ErrClosed
	}
	c, e := fileConn(p.wfile)
	if e != nil {
		return e
	}
	p.wconn = c
	return nil
}

// EnableRead prepares the read end for Read.
func (p *Port) EnableRead() error {
	p.rlock.Lock()
	defer p.rlock.Unlock()
	if p.rconn != nil {
		return nil
	}
	if p.rfile == nil {
		return ErrClosed
	}
	c, e := fileConn(p.rfile)
	if e != nil {
		return e
	}
	p.rconn = c
	p.partial = make(map[fragKey]*Message)
	p.buf = make([]byte, HeaderLen+MaxFragment)
	p.oob = make([]byte, unix.CmsgSpace(4))
	return nil
}

func fileConn(f *os.File) (*net.UnixConn, error) {
	c, e := net.FileConn(f)
	if e != nil {
		return nil, fmt.Errorf("port %s: %w", f.Name(), e)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("port %s: not a unix socket", f.Name())
	}
	return uc, nil
}

// CloseRead closes the read end.
func (p *Port) CloseRead() {
	if p.rconn != nil {
		p.rconn.Close()
	}
	if p.rfile != nil {
		p.rfile.Close()
		p.rfile = nil
	}
}

// CloseWrite closes the write end.
func (p *Port) CloseWrite() {
	p.wlock.Lock()
	defer p.wlock.Unlock()
	if p.wconn != nil {
		p.wconn.Close()
		p.wconn = nil
	}
	if p.wfile != nil {
		p.wfile.Close()
		p.wfile = nil
	}
}

// Close closes both ends.
func (p *Port) Close() {
	p.CloseRead()
	p.CloseWrite()
}

// DupWrite returns a new descriptor for the write end, suitable for
// sending to another process with FlagCloseFD.
func (p *Port) DupWrite() (int, error) {
	p.wlock.Lock()
	defer p.wlock.Unlock()
	if p.wfile == nil {
		return NoFD, ErrClosed
	}
	return DupFile(p.wfile)
}

// DupFile duplicates the descriptor behind f without changing its
// blocking mode.  The result is close-on-exec.
func DupFile(f *os.File) (int, error) {
	rc, e := f.SyscallConn()
	if e != nil {
		return NoFD, e
	}
	fd := NoFD
	var de error
	e = rc.Control(func(s uintptr) {
		fd, de = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	})
	if e != nil {
		return NoFD, e
	}
	if de != nil {
		return NoFD, de
	}
	return fd, nil
}

// Writable reports whether the write end is open and enabled.
func (p *Port) Writable() bool {
	p.wlock.Lock()
	defer p.wlock.Unlock()
	return p.wconn != nil
}

// Write sends a message, fragmenting the payload as needed.  The descriptor
// travels with the first fragment.  With FlagCloseFD the descriptor is
// closed once the send completes or fails.
func (p *Port) Write(m *Message) error {
	p.wlock.Lock()
	e := p.write(m)
	p.wlock.Unlock()

	if m.Type&FlagCloseFD != 0 && m.FD >= 0 {
		closeFD(m.FD)
		m.FD = NoFD
	}
	return e
}

func (p *Port) write(m *Message) error {
	if p.wconn == nil {
		return fmt.Errorf("port %d:%d: %w", p.PID, p.ID, ErrClosed)
	}
	data := m.Bytes()
	h := header{
		Type:      m.Type,
		PID:       uint32(m.PID),
		ReplyPort: m.ReplyPort,
		Stream:    m.Stream,
	}
	off := 0
	for first := true; first || off < len(data); first = false {
		n := len(data) - off
		if n > MaxFragment {
			n = MaxFragment
		}
		h.Flags = 0
		if off+n < len(data) {
			h.Flags |= fragMore
		}
		var oob []byte
		if first && m.FD >= 0 {
			h.Flags |= fragFD
			oob = unix.UnixRights(m.FD)
		}
		if _, _, e := p.wconn.WriteMsgUnix(encodePacket(h, data[off:off+n]), oob, nil); e != nil {
			if peerGone(e) {
				return fmt.Errorf("port %d:%d: %w: %v", p.PID, p.ID, ErrPeerGone, e)
			}
			return fmt.Errorf("port %d:%d: %w", p.PID, p.ID, e)
		}
		off += n
	}
	return nil
}

// Read returns the next complete message.  Errors wrapping ErrMalformed
// concern a single packet and reading may continue; io.EOF means the other
// end was closed.
func (p *Port) Read() (*Message, error) {
	p.rlock.Lock()
	defer p.rlock.Unlock()
	if p.rconn == nil {
		return nil, ErrClosed
	}
	for {
		n, oobn, flags, _, e := p.rconn.ReadMsgUnix(p.buf, p.oob)
		if e != nil {
			return nil, e
		}
		fd := NoFD
		if oobn > 0 {
			if fd, e = parseRights(p.oob[:oobn]); e != nil {
				return nil, e
			}
		}
		if n == 0 && oobn == 0 {
			return nil, io.EOF
		}
		if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
			closeFD(fd)
			return nil, fmt.Errorf("%w: truncated packet", ErrMalformed)
		}
		h, frag, e := decodePacket(p.buf[:n])
		if e != nil {
			closeFD(fd)
			return nil, e
		}
		if m := p.assemble(h, frag, fd); m != nil {
			return m, nil
		}
	}
}

func (p *Port) assemble(h header, frag []byte, fd int) *Message {
	key := fragKey{pid: h.PID, stream: h.Stream, typ: h.Type}
	m, ok := p.partial[key]
	if !ok {
		m = &Message{
			Type:      h.Type,
			PID:       int(h.PID),
			ReplyPort: h.ReplyPort,
			Stream:    h.Stream,
			FD:        NoFD,
		}
	}
	if fd >= 0 {
		if m.FD >= 0 {
			closeFD(m.FD)
		}
		m.FD = fd
	}
	if len(frag) > 0 {
		m.Buf = append(m.Buf, append([]byte(nil), frag...))
	}
	if h.Flags&fragMore != 0 {
		p.partial[key] = m
		return nil
	}
	delete(p.partial, key)
	return m
}

// Serve reads messages until the port is closed, handing each one to
// deliver.  Malformed packets are reported to bad and skipped.
func (p *Port) Serve(deliver func(*Message), bad func(error)) error {
	if e := p.EnableRead(); e != nil {
		return e
	}
	for {
		m, e := p.Read()
		switch {
		case e == nil:
			deliver(m)
		case errors.Is(e, ErrMalformed):
			if bad != nil {
				bad(e)
			}
		case errors.Is(e, io.EOF), errors.Is(e, net.ErrClosed):
			return nil
		default:
			return e
		}
	}
}

func parseRights(oob []byte) (int, error) {
	msgs, e := unix.ParseSocketControlMessage(oob)
	if e != nil {
		return NoFD, fmt.Errorf("%w: %v", ErrMalformed, e)
	}
	fd := NoFD
	for i := range msgs {
		fds, e := unix.ParseUnixRights(&msgs[i])
		if e != nil {
			continue
		}
		for _, f := range fds {
			if fd == NoFD {
				fd = f
			} else {
				closeFD(f)
			}
		}
	}
	return fd, nil
}

func peerGone(e error) bool {
	for _, errno := range []unix.Errno{unix.EPIPE, unix.ECONNRESET, unix.ENOTCONN, unix.ECONNREFUSED} {
		if errors.Is(e, errno) {
			return true
		}
	}
	return false
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
