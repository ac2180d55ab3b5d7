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

package appvisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gdamore/appvisor/listen"
	"github.com/gdamore/appvisor/port"
	"github.com/gdamore/appvisor/rpc"
)

// EnvChild marks a process started by ExecForker.
const EnvChild = "APPVISOR_CHILD"

// Descriptors inherited by a child, see Forker.
const (
	childPortFD = 3
	mainPortFD  = 4
)

// Entry is the code run by a child process for one role.
type Entry struct {
	// Start runs the role.  It should return when ctx is done, which
	// happens when the main process says to quit.
	Start func(ctx context.Context, c *Child) error

	// Handlers override the default handling of port messages.
	Handlers port.Handlers

	// Signals also end ctx.  SIGINT and SIGQUIT are otherwise ignored,
	// since the main process decides when children stop.
	Signals []os.Signal
}

var entries = struct {
	sync.Mutex
	m map[string]*Entry
}{m: make(map[string]*Entry)}

// RegisterEntry makes an entry point available to children under name.
// It is normally called from init.
func RegisterEntry(name string, e *Entry) {
	entries.Lock()
	entries.m[name] = e
	entries.Unlock()
}

func lookupEntry(name string) *Entry {
	entries.Lock()
	defer entries.Unlock()
	return entries.m[name]
}

// IsChild reports whether this process was started as a child.
func IsChild() bool {
	return os.Getenv(EnvChild) != ""
}

// Child is the runtime of a child process: its own port, the main
// process port, and the ports of its siblings.
type Child struct {
	PID     int
	MainPID int
	Role    Role
	Name    string
	Entry   string
	Stream  uint32
	Module  string
	Data    []byte
	RPC     rpc.Table
	Logger  zerolog.Logger

	own    *port.Port
	main   *port.Port
	cancel context.CancelFunc
	peers  map[int]*port.Port
	mx     sync.Mutex
}

// RunChild runs the entry point named in the start message from the main
// process, and returns the process exit code.
func RunChild() int {
	cfg := DefaultConfig()
	logger := newLogger(os.Stderr, nil, "child", cfg.Level())
	if !IsChild() {
		logger.Error().Err(ErrNotChild).Msg("cannot start child")
		return 1
	}
	own := port.Open(os.NewFile(childPortFD, "port"), nil, os.Getpid(), 0, RoleWorker)
	main := port.Open(nil, os.NewFile(mainPortFD, "main-port"), os.Getppid(), 0, RoleMain)
	c, e := NewChild(own, main, logger)
	if e != nil {
		logger.Error().Err(e).Msg("cannot start child")
		return 1
	}
	entry := lookupEntry(c.Entry)
	if entry == nil {
		c.Logger.Error().Err(ErrNoEntry).Str("entry", c.Entry).Msg("cannot start child")
		return 1
	}
	signal.Ignore(syscall.SIGINT, syscall.SIGQUIT)
	ctx := context.Background()
	if len(entry.Signals) != 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, entry.Signals...)
		defer stop()
	}
	if e = c.Run(ctx, entry); e != nil {
		c.Logger.Error().Err(e).Msg("child failed")
		return 1
	}
	return 0
}

// NewChild reads the start message from own and returns the runtime
// described by it.
func NewChild(own, main *port.Port, logger zerolog.Logger) (*Child, error) {
	if e := own.EnableRead(); e != nil {
		return nil, e
	}
	if e := main.EnableWrite(); e != nil {
		return nil, e
	}
	m, e := own.Read()
	if e != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStart, e)
	}
	m.CloseFD()
	if m.Kind() != port.TypeData {
		return nil, fmt.Errorf("%w: got %v", ErrBadStart, m.Type)
	}
	var si startInfo
	if e = json.Unmarshal(m.Bytes(), &si); e != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStart, e)
	}
	if si.PID == 0 {
		si.PID = os.Getpid()
	}
	own.PID, own.Role = si.PID, si.Role
	main.PID = si.MainPID
	c := &Child{
		PID:     si.PID,
		MainPID: si.MainPID,
		Role:    si.Role,
		Name:    si.Name,
		Entry:   si.Entry,
		Stream:  si.Stream,
		Module:  si.Module,
		Data:    si.Data,
		own:     own,
		main:    main,
		peers:   make(map[int]*port.Port),
	}
	c.Logger = logger.With().Str("name", si.Name).Stringer("role", si.Role).Logger()
	return c, nil
}

// Run dispatches port messages while entry.Start runs, and returns what
// it returns.
func (c *Child) Run(ctx context.Context, entry *Entry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel

	h := entry.Handlers
	defaults := []struct {
		t  port.Type
		fn port.Handler
	}{
		{port.TypeQuit, c.onQuit},
		{port.TypeNewPort, c.onNewPort},
		{port.TypeRemovePID, c.onRemovePID},
		{port.TypeChangeFile, c.onChangeFile},
		{port.TypeRPCReady, c.onRPC},
		{port.TypeRPCError, c.onRPC},
	}
	for _, d := range defaults {
		if h[d.t] == nil {
			h[d.t] = d.fn
		}
	}

	inbox := make(chan *port.Message, 16)
	go func() {
		c.own.Serve(func(m *port.Message) {
			select {
			case inbox <- m:
			case <-ctx.Done():
				m.CloseFD()
			}
		}, func(e error) {
			c.Logger.Warn().Err(e).Msg("dropped malformed message")
		})
		close(inbox)
	}()

	errc := make(chan error, 1)
	go func() {
		errc <- entry.Start(ctx, c)
	}()

	for {
		select {
		case m, ok := <-inbox:
			if !ok {
				c.Logger.Info().Msg("main process gone")
				inbox = nil
				cancel()
				continue
			}
			h.Dispatch(m)
		case e := <-errc:
			c.close()
			return e
		}
	}
}

func (c *Child) close() {
	c.mx.Lock()
	for pid, pt := range c.peers {
		pt.Close()
		delete(c.peers, pid)
	}
	c.mx.Unlock()
	c.own.Close()
	c.main.Close()
}

// Send writes a message to the main process.
func (c *Child) Send(t port.Type, stream uint32, buf ...[]byte) error {
	return c.main.Write(port.NewMessage(t, c.PID, c.own.ID, stream, buf...))
}

// Ready tells the main process that this child can take requests.
func (c *Child) Ready() error {
	return c.Send(port.TypePortReady, c.Stream)
}

// ReportModules reports the language modules found by discovery.
func (c *Child) ReportModules(mods []AppLangModule) error {
	if mods == nil {
		mods = []AppLangModule{}
	}
	b, e := json.Marshal(mods)
	if e != nil {
		return e
	}
	return c.Send(port.TypeModules, 0, b)
}

// StoreConf asks the main process to persist conf.
func (c *Child) StoreConf(conf []byte) error {
	return c.Send(port.TypeConfStore, 0, conf)
}

// ListenSocket asks the main process for a listening socket.  Failures
// are returned as *listen.Error.
func (c *Child) ListenSocket(ctx context.Context, a *listen.Addr) (*os.File, error) {
	b, e := a.MarshalBinary()
	if e != nil {
		return nil, e
	}
	m, e := c.RPC.Call(ctx, c.MainPID, func(stream uint32) error {
		return c.Send(port.TypeSocket, stream, b)
	})
	if e != nil {
		return nil, e
	}
	if m.Kind() == port.TypeRPCError {
		le := &listen.Error{}
		le.UnmarshalBinary(m.Bytes())
		return nil, le
	}
	f := m.File("listen " + a.String())
	if f == nil {
		return nil, &listen.Error{Code: listen.CodeSystem, Msg: "no descriptor received"}
	}
	return f, nil
}

// StartWorker asks the main process to start a worker for app, and waits
// until the worker is ready.  It returns the worker pid.
func (c *Child) StartWorker(ctx context.Context, app *AppConf) (int, error) {
	b, e := app.Encode()
	if e != nil {
		return 0, e
	}
	m, e := c.RPC.Call(ctx, c.MainPID, func(stream uint32) error {
		return c.Send(port.TypeStartWorker, stream, b)
	})
	if e != nil {
		return 0, e
	}
	if m.Kind() == port.TypeRPCError {
		return 0, fmt.Errorf("%w: %s", ErrWorkerFailed, m.Bytes())
	}
	return port.DecodePID(m.Bytes())
}

// Peer returns the port of a sibling announced by the main process.
func (c *Child) Peer(pid int) *port.Port {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.peers[pid]
}

// Peers returns the pids of known siblings.
func (c *Child) Peers() []int {
	c.mx.Lock()
	defer c.mx.Unlock()
	pids := make([]int, 0, len(c.peers))
	for pid := range c.peers {
		pids = append(pids, pid)
	}
	return pids
}

func (c *Child) onQuit(m *port.Message) {
	c.Logger.Debug().Msg("quit requested")
	c.cancel()
}

func (c *Child) onNewPort(m *port.Message) {
	var info port.Info
	if e := info.UnmarshalBinary(m.Bytes()); e != nil {
		c.Logger.Warn().Err(e).Msg("bad new port message")
		return
	}
	f := m.File(fmt.Sprintf("port-%d", info.PID))
	if f == nil {
		return
	}
	pt := port.Open(nil, f, info.PID, info.ID, info.Role)
	if e := pt.EnableWrite(); e != nil {
		c.Logger.Warn().Err(e).Int("peer", info.PID).Msg("cannot open peer port")
		pt.Close()
		return
	}
	c.mx.Lock()
	if old := c.peers[info.PID]; old != nil {
		old.Close()
	}
	c.peers[info.PID] = pt
	c.mx.Unlock()
	c.Logger.Debug().Int("peer", info.PID).Stringer("peer_role", info.Role).Msg("new peer")
}

func (c *Child) onRemovePID(m *port.Message) {
	pid, e := port.DecodePID(m.Bytes())
	if e != nil {
		c.Logger.Warn().Err(e).Msg("bad remove pid message")
		return
	}
	c.RPC.RemovePeer(pid)
	c.mx.Lock()
	if pt := c.peers[pid]; pt != nil {
		pt.Close()
		delete(c.peers, pid)
	}
	c.mx.Unlock()
	c.Logger.Debug().Int("peer", pid).Msg("peer removed")
}

// onChangeFile installs a rotated log file.  Children only hold the first
// log file, as their standard error.
func (c *Child) onChangeFile(m *port.Message) {
	index, e := port.DecodePID(m.Bytes())
	if e != nil || m.FD < 0 {
		c.Logger.Warn().Err(e).Msg("bad change file message")
		return
	}
	if index != 0 {
		return
	}
	if e = unix.Dup3(m.FD, stderrFD, 0); e != nil {
		c.Logger.Error().Err(e).Msg("cannot switch log file")
	}
}

func (c *Child) onRPC(m *port.Message) {
	if !c.RPC.Handle(m) {
		c.Logger.Debug().Stringer("msg", m).Msg("unexpected reply")
	}
}
