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
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gdamore/appvisor/port"
)

// Manager is the main process.  It owns the process registry, and all of
// its state is touched only by the goroutine running Run.  Port readers,
// signals and status queries feed that goroutine through channels.
type Manager struct {
	name     string
	title    string
	cfg      Config
	pid      int
	reg      *Registry
	langs    []AppLangModule
	forker   Forker
	mport    *port.Port
	handlers port.Handlers
	conf     *ConfStore
	logs     *LogFiles
	cred     *Credential
	discPID  int
	launched bool
	done     bool

	inbox   chan *port.Message
	calls   chan func()
	sigs    chan os.Signal
	signals map[os.Signal]func(os.Signal)
	stopped chan struct{}

	logger  zerolog.Logger
	log     *Log
	metrics *metrics

	serial     int64
	createTime time.Time
	updateTime time.Time
	mx         sync.Mutex
	cvs        map[*sync.Cond]bool
}

// ManagerInfo summarizes a Manager for status clients.
type ManagerInfo struct {
	Name       string
	Title      string
	PID        int
	Serial     int64
	UpdateTime time.Time
	CreateTime time.Time
}

// startInfo is the first message on every child port.
type startInfo struct {
	Entry   string `json:"entry"`
	Name    string `json:"name"`
	Role    Role   `json:"role"`
	PID     int    `json:"pid"`
	MainPID int    `json:"main_pid"`
	Stream  uint32 `json:"stream,omitempty"`
	Module  string `json:"module,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

func newLogger(w io.Writer, ring *Log, proc string, lvl zerolog.Level) zerolog.Logger {
	var out io.Writer = ring
	if w != nil {
		console := zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
		if ring == nil {
			out = console
		} else {
			out = zerolog.MultiLevelWriter(console, ring)
		}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().
		Str("proc", proc).Int("pid", os.Getpid()).Logger()
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

// bump records a change to the process table and wakes watchers.
func (m *Manager) bump() {
	m.lock()
	m.updateTime = time.Now()
	m.serial++
	for cv := range m.cvs {
		cv.Broadcast()
	}
	m.unlock()
}

// WatchProcesses blocks until the process table serial differs from old,
// or expire elapses, and returns the current serial.  A poll can be done
// by supplying 0 for the expiration.
func (m *Manager) WatchProcesses(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&m.mx)
	var timer *time.Timer

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			m.lock()
			expired = true
			cv.Broadcast()
			m.unlock()
		})
	} else {
		expired = true
	}

	m.lock()
	m.cvs[cv] = true
	for m.serial == old && !expired {
		cv.Wait()
	}
	delete(m.cvs, cv)
	rv := m.serial
	m.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// Serial returns the process table serial.
func (m *Manager) Serial() int64 {
	m.lock()
	defer m.unlock()
	return m.serial
}

func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) GetInfo() *ManagerInfo {
	m.lock()
	defer m.unlock()
	return &ManagerInfo{
		Name:       m.name,
		Title:      m.title,
		PID:        m.pid,
		Serial:     m.serial,
		UpdateTime: m.updateTime,
		CreateTime: m.createTime,
	}
}

// SetLogger sends console logging to w.  The in-memory log served by
// GetLog is always kept.
func (m *Manager) SetLogger(w io.Writer) {
	m.logger = newLogger(w, m.log, "main", m.cfg.Level())
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *zerolog.Logger {
	return &m.logger
}

// SetForker replaces the ExecForker used to start children.
func (m *Manager) SetForker(f Forker) {
	m.forker = f
}

func (m *Manager) GetLog(lastid int64) ([]LogRecord, int64) {
	return m.log.GetRecords(lastid)
}

func (m *Manager) WatchLog(old int64, expire time.Duration) int64 {
	return m.log.Watch(old, expire)
}

// Gatherer exposes the manager's metrics.
func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.metrics.reg
}

// Start creates the main port and starts the discovery process.  The
// controller and router follow once discovery reports its modules.
func (m *Manager) Start() error {
	if m.mport != nil {
		return nil
	}
	m.pid = os.Getpid()
	pt, e := port.New(m.pid, 0, RoleMain)
	if e == nil {
		if e = pt.EnableRead(); e != nil {
			pt.Close()
		}
	}
	if e != nil {
		m.logger.Error().Err(e).Msg("cannot create main port")
		return e
	}
	m.mport = pt
	now := time.Now()
	m.reg.Add(&Process{
		PID:     m.pid,
		Role:    RoleMain,
		Ports:   []*port.Port{pt},
		Ready:   true,
		Started: now,
	})
	go m.serve(pt)

	m.lock()
	m.createTime = now
	m.unlock()
	m.logger.Info().Str("title", m.title).Msg("main process started")

	if os.Geteuid() == 0 {
		if m.cred, e = ResolveCredential(m.cfg.User, m.cfg.Group); e != nil {
			m.logger.Error().Err(e).Msg("cannot resolve credentials")
			return e
		}
	}
	if m.logs != nil && len(m.logs.Paths) != 0 {
		if e = m.logs.Open(); e != nil {
			m.logger.Error().Err(e).Msg("cannot open log files")
			return e
		}
	}
	if m.discPID, e = m.spawn(discoveryDescriptor(m.cred)); e != nil {
		return e
	}
	return nil
}

// Run processes messages, signals and queries until shutdown completes
// or, after ctx is done, all children have gone.
func (m *Manager) Run(ctx context.Context) error {
	if m.mport == nil {
		return ErrNotRunning
	}
	sigs := make([]os.Signal, 0, len(m.signals))
	for s := range m.signals {
		sigs = append(sigs, s)
	}
	signal.Notify(m.sigs, sigs...)
	defer signal.Stop(m.sigs)
	defer m.stop()

	// Children that exited before we were listening.
	m.reapChildren()

	done := ctx.Done()
	for !m.done {
		select {
		case s := <-m.sigs:
			m.signal(s)
		case msg := <-m.inbox:
			m.dispatch(msg)
		case fn := <-m.calls:
			fn()
		case <-done:
			done = nil
			m.shutdown("context done")
		}
	}
	m.logger.Info().Msg("main process exiting")
	return nil
}

func (m *Manager) stop() {
	select {
	case <-m.stopped:
		return
	default:
	}
	close(m.stopped)
	m.reg.Each(func(p *Process) {
		p.closePorts()
	})
	m.mport = nil
	for {
		select {
		case msg := <-m.inbox:
			msg.CloseFD()
		default:
			return
		}
	}
}

func (m *Manager) serve(pt *port.Port) {
	e := pt.Serve(func(msg *port.Message) {
		select {
		case m.inbox <- msg:
		case <-m.stopped:
			msg.CloseFD()
		}
	}, func(e error) {
		m.logger.Warn().Err(e).Msg("dropped malformed message")
	})
	if e != nil {
		m.logger.Error().Err(e).Msg("main port failed")
	}
}

// do runs fn on the event loop and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	call := func() {
		fn()
		close(done)
	}
	select {
	case m.calls <- call:
	case <-m.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processes returns a snapshot of the process table.
func (m *Manager) Processes(ctx context.Context) ([]ProcessInfo, error) {
	var infos []ProcessInfo
	e := m.do(ctx, func() {
		m.reg.Each(func(p *Process) {
			infos = append(infos, p.info())
		})
	})
	return infos, e
}

// Languages returns the language modules reported by discovery.
func (m *Manager) Languages(ctx context.Context) ([]AppLangModule, error) {
	var langs []AppLangModule
	e := m.do(ctx, func() {
		langs = append([]AppLangModule(nil), m.langs...)
	})
	return langs, e
}

// Shutdown asks the event loop to stop all children and exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.do(ctx, func() {
		m.shutdown("shutdown requested")
	})
}

func (m *Manager) signal(s os.Signal) {
	if fn := m.signals[s]; fn != nil {
		fn(s)
	}
}

func (m *Manager) sigShutdown(s os.Signal) {
	m.logger.Info().Stringer("signal", s).Msg("signal received")
	m.shutdown("signal " + s.String())
}

func (m *Manager) sigChild(os.Signal) {
	m.reapChildren()
}

func (m *Manager) sigRotate(s os.Signal) {
	m.logger.Info().Stringer("signal", s).Msg("rotating log files")
	m.rotateLogs()
}

func (m *Manager) dispatch(msg *port.Message) {
	m.metrics.messages.WithLabelValues(strings.ToLower(msg.Kind().String())).Inc()
	m.logger.Debug().Stringer("msg", msg).Msg("received")
	m.handlers.Dispatch(msg)
}

// spawn starts a child for d and registers it.  On failure nothing is
// registered and the child's port is closed.
func (m *Manager) spawn(d *Descriptor) (int, error) {
	role := d.Role.String()
	pt, e := port.New(0, 0, d.Role)
	if e != nil {
		m.metrics.spawns.WithLabelValues(role, "error").Inc()
		m.logger.Error().Err(e).Str("name", d.Name).Msg("cannot create port")
		return 0, e
	}
	pid, e := m.forker.Fork(d, []*os.File{pt.ReadFile(), m.mport.WriteFile()})
	pt.CloseRead()
	if e != nil {
		pt.Close()
		m.metrics.spawns.WithLabelValues(role, "error").Inc()
		m.logger.Error().Err(e).Str("name", d.Name).Msg("cannot start process")
		return 0, e
	}
	pt.PID = pid
	p := &Process{
		PID:     pid,
		Role:    d.Role,
		Ports:   []*port.Port{pt},
		Init:    d,
		Started: time.Now(),
	}
	if e = m.reg.Add(p); e != nil {
		pt.Close()
		m.logger.Error().Err(e).Int("child", pid).Msg("cannot register process")
		return 0, e
	}
	m.metrics.spawns.WithLabelValues(role, "ok").Inc()
	m.metrics.live.Set(float64(m.reg.Len()))
	m.bump()
	m.logger.Info().Int("child", pid).Str("name", d.Name).
		Stringer("role", d.Role).Msg("process started")

	if e = pt.EnableWrite(); e != nil {
		m.logger.Error().Err(e).Int("child", pid).Msg("cannot enable port")
		return pid, nil
	}
	if e = m.sendStart(p); e != nil {
		m.logger.Warn().Err(e).Int("child", pid).Msg("cannot send start message")
		return pid, nil
	}
	m.announce(p)
	return pid, nil
}

func (m *Manager) sendStart(p *Process) error {
	d := p.Init
	b, e := json.Marshal(&startInfo{
		Entry:   d.Entry,
		Name:    d.Name,
		Role:    d.Role,
		PID:     p.PID,
		MainPID: m.pid,
		Stream:  d.Stream,
		Module:  d.Module,
		Data:    d.Data,
	})
	if e != nil {
		return e
	}
	return p.Primary().Write(port.NewMessage(port.TypeData, m.pid, 0, d.Stream, b))
}

// announce introduces a new process and the existing children to each
// other, by passing the write ends of their ports.
func (m *Manager) announce(np *Process) {
	npt := np.Primary()
	m.reg.Each(func(p *Process) {
		if p.PID == m.pid || p.PID == np.PID {
			return
		}
		pt := p.Primary()
		if pt == nil || !pt.Writable() {
			return
		}
		m.sendPort(pt, npt)
		m.sendPort(npt, pt)
	})
}

func (m *Manager) sendPort(to, about *port.Port) {
	fd, e := about.DupWrite()
	if e != nil {
		m.logger.Debug().Err(e).Int("about", about.PID).Msg("cannot dup port")
		return
	}
	info, _ := port.Info{PID: about.PID, ID: about.ID, Role: about.Role}.MarshalBinary()
	msg := port.NewMessage(port.TypeNewPort|port.FlagCloseFD, m.pid, 0, 0, info)
	msg.FD = fd
	if e = to.Write(msg); e != nil {
		m.logger.Debug().Err(e).Int("to", to.PID).Msg("cannot send new port")
	}
}

// reapChildren collects every exited child.
func (m *Manager) reapChildren() {
	for {
		var ws unix.WaitStatus
		pid, e := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if e == unix.EINTR {
			continue
		}
		if e != nil {
			if e != unix.ECHILD {
				m.logger.Error().Err(e).Msg("waitpid failed")
			}
			return
		}
		if pid <= 0 {
			return
		}
		m.reap(pid, ws)
	}
}

// reap handles the exit of pid.  Unknown pids are ignored.
func (m *Manager) reap(pid int, ws unix.WaitStatus) {
	how := "exit"
	if ws.Signaled() {
		how = "signal"
		ev := m.logger.Error().Int("child", pid).Stringer("signal", ws.Signal())
		if ws.CoreDump() {
			ev = ev.Bool("core", true)
		}
		ev.Msg("process exited on signal")
	} else {
		m.logger.Trace().Int("child", pid).Int("status", ws.ExitStatus()).
			Msg("process exited")
	}

	p := m.reg.Remove(pid)
	if p == nil {
		return
	}
	p.closePorts()
	m.metrics.exits.WithLabelValues(p.Role.String(), how).Inc()
	m.metrics.live.Set(float64(m.reg.Len()))
	m.bump()

	if m.reg.Exiting() {
		if m.reg.Drained() {
			m.finish()
		}
		return
	}
	if !p.Ready {
		m.failWorker(p)
	}
	m.broadcastRemove(p)

	if d := p.Init; d != nil && d.Restart {
		m.metrics.restarts.WithLabelValues(d.Role.String()).Inc()
		m.logger.Info().Str("name", d.Name).Msg("restarting process")
		m.spawn(d)
	}
}

// failWorker answers the start request of a worker that died before it
// was ready.
func (m *Manager) failWorker(p *Process) {
	d := p.Init
	if d == nil || d.Role != RoleWorker || d.ReplyPID == 0 {
		return
	}
	e := m.send(d.ReplyPID, d.ReplyPort, port.TypeRPCError|port.FlagLast,
		d.Stream, port.NoFD, []byte("Worker exited before it was ready"))
	if e != nil {
		m.logger.Warn().Err(e).Int("to", d.ReplyPID).Msg("cannot report worker failure")
	}
}

func (m *Manager) broadcastRemove(dead *Process) {
	var stream uint32
	if dead.Init != nil {
		stream = dead.Init.Stream
	}
	m.reg.Each(func(p *Process) {
		if p.PID == m.pid {
			return
		}
		pt := p.Primary()
		if pt == nil || !pt.Writable() {
			return
		}
		msg := port.NewMessage(port.TypeRemovePID, m.pid, 0, stream,
			port.EncodePID(dead.PID))
		if e := pt.Write(msg); e != nil {
			m.logger.Debug().Err(e).Int("to", p.PID).Msg("cannot send remove pid")
		}
	})
}

func (m *Manager) broadcastQuit() {
	m.reg.Each(func(p *Process) {
		if p.PID == m.pid {
			return
		}
		for _, pt := range p.Ports {
			if !pt.Writable() {
				continue
			}
			if e := pt.Write(port.NewMessage(port.TypeQuit, m.pid, 0, 0)); e != nil {
				m.logger.Debug().Err(e).Int("to", p.PID).Msg("cannot send quit")
			}
		}
	})
}

// shutdown stops all children.  The loop ends once only the main process
// and one lingering child remain.  A second request ends it at once.
func (m *Manager) shutdown(reason string) {
	if m.reg.Exiting() {
		m.logger.Warn().Str("reason", reason).Int("live", m.reg.Len()).
			Msg("exiting without waiting for children")
		m.finish()
		return
	}
	m.logger.Info().Str("reason", reason).Msg("shutting down")
	m.reg.SetExiting()
	m.broadcastQuit()
	if m.reg.Drained() {
		m.finish()
	}
}

func (m *Manager) finish() {
	m.done = true
}

// rotateLogs reopens the log files and hands the new ones to children.
func (m *Manager) rotateLogs() {
	if m.logs == nil {
		return
	}
	e := m.logs.Rotate(func(index int, f *os.File) {
		m.reg.Each(func(p *Process) {
			if p.PID == m.pid {
				return
			}
			pt := p.Primary()
			if pt == nil || !pt.Writable() {
				return
			}
			fd, e := port.DupFile(f)
			if e != nil {
				m.logger.Error().Err(e).Msg("cannot dup log file")
				return
			}
			msg := port.NewMessage(port.TypeChangeFile|port.FlagCloseFD,
				m.pid, 0, 0, port.EncodePID(index))
			msg.FD = fd
			if e = pt.Write(msg); e != nil {
				m.logger.Debug().Err(e).Int("to", p.PID).Msg("cannot send log file")
			}
		})
	})
	if e != nil {
		m.logger.Error().Err(e).Msg("log file rotation failed")
	}
}

// NewManager returns a Manager for cfg.  Call Start and then Run.
func NewManager(cfg Config) *Manager {
	cfg.fill()
	m := &Manager{
		name:    cfg.Name,
		cfg:     cfg,
		reg:     NewRegistry(),
		forker:  &ExecForker{},
		conf:    NewConfStore(cfg.ConfFile),
		logs:    &LogFiles{Paths: cfg.LogFiles, Stderr: true},
		inbox:   make(chan *port.Message, 64),
		calls:   make(chan func()),
		sigs:    make(chan os.Signal, 16),
		stopped: make(chan struct{}),
		log:     NewLog(),
		metrics: newMetrics(),
		cvs:     make(map[*sync.Cond]bool),
	}
	m.title = strings.Join(os.Args, " ")
	m.logger = newLogger(os.Stderr, m.log, "main", cfg.Level())
	m.signals = map[os.Signal]func(os.Signal){
		syscall.SIGINT:  m.sigShutdown,
		syscall.SIGTERM: m.sigShutdown,
		syscall.SIGQUIT: m.sigShutdown,
		syscall.SIGCHLD: m.sigChild,
		syscall.SIGUSR1: m.sigRotate,
	}
	m.handlers = m.portHandlers()
	return m
}
