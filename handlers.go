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
	"errors"

	"github.com/gdamore/appvisor/listen"
	"github.com/gdamore/appvisor/port"
	"golang.org/x/sys/unix"
)

func (m *Manager) portHandlers() port.Handlers {
	var h port.Handlers
	h[port.TypeData] = m.onData
	h[port.TypePortReady] = m.onPortReady
	h[port.TypeStartWorker] = m.onStartWorker
	h[port.TypeSocket] = m.onSocket
	h[port.TypeModules] = m.onModules
	h[port.TypeConfStore] = m.onConfStore
	h[port.TypeRPCReady] = m.onReply
	h[port.TypeRPCError] = m.onReply
	return h
}

// send writes a message to the port (pid, id).  An attached descriptor is
// closed if the port cannot be found.
func (m *Manager) send(pid int, id uint32, t port.Type, stream uint32, fd int, buf ...[]byte) error {
	pt, e := m.reg.FindPort(pid, id)
	if e != nil {
		if fd >= 0 && t&port.FlagCloseFD != 0 {
			unix.Close(fd)
		}
		return e
	}
	msg := port.NewMessage(t, m.pid, 0, stream, buf...)
	msg.FD = fd
	return pt.Write(msg)
}

// reply answers req on the port it named, echoing its stream.
func (m *Manager) reply(req *port.Message, t port.Type, fd int, buf ...[]byte) {
	if e := m.send(req.PID, req.ReplyPort, t, req.Stream, fd, buf...); e != nil {
		m.logger.Warn().Err(e).Int("to", req.PID).Stringer("type", t).
			Msg("cannot send reply")
	}
}

func (m *Manager) replyError(req *port.Message, buf ...[]byte) {
	m.reply(req, port.TypeRPCError|port.FlagLast, port.NoFD, buf...)
}

func (m *Manager) onData(msg *port.Message) {
	m.logger.Debug().Int("from", msg.PID).Bytes("data", msg.Bytes()).
		Msg("data message")
}

func (m *Manager) onPortReady(msg *port.Message) {
	p := m.reg.Find(msg.PID)
	if p == nil || p.Ready {
		return
	}
	p.Ready = true
	m.bump()
	m.logger.Debug().Int("child", p.PID).Msg("process ready")

	d := p.Init
	if d == nil || d.Role != RoleWorker || d.ReplyPID == 0 {
		return
	}
	e := m.send(d.ReplyPID, d.ReplyPort, port.TypeRPCReady|port.FlagLast,
		d.Stream, port.NoFD, port.EncodePID(p.PID))
	if e != nil {
		m.logger.Warn().Err(e).Int("to", d.ReplyPID).Msg("cannot report worker ready")
	}
}

func (m *Manager) onStartWorker(msg *port.Message) {
	app, e := ParseAppConf(msg.Bytes())
	if e != nil {
		m.logger.Error().Err(e).Int("from", msg.PID).Msg("bad worker request")
		m.replyError(msg, []byte(e.Error()))
		return
	}
	cred, e := ResolveCredential(app.User, app.Group)
	if e != nil {
		m.logger.Error().Err(e).Str("app", app.Name).Msg("cannot start worker")
		m.replyError(msg, []byte(e.Error()))
		return
	}
	module := ""
	if app.Type != "" {
		if lm := FindModule(m.langs, app.Type); lm != nil {
			module = lm.File
		} else if len(m.langs) != 0 {
			m.logger.Warn().Str("app", app.Name).Str("type", app.Type).
				Msg("no language module for application type")
		}
	}
	if _, e = m.spawn(workerDescriptor(app, cred, msg, module)); e != nil {
		m.replyError(msg, []byte(e.Error()))
	}
}

func (m *Manager) onSocket(msg *port.Message) {
	var le *listen.Error
	a := &listen.Addr{}
	e := a.UnmarshalBinary(msg.Bytes())
	if e == nil {
		var fd int
		if fd, e = listen.Create(a); e == nil {
			m.metrics.sockets.WithLabelValues("ok").Inc()
			m.logger.Debug().Stringer("addr", a).Int("fd", fd).
				Int("to", msg.PID).Msg("listening socket created")
			m.reply(msg, port.TypeRPCReady|port.FlagLast|port.FlagCloseFD, fd)
			return
		}
	}
	if !errors.As(e, &le) {
		le = &listen.Error{Code: listen.CodeSystem, Msg: e.Error()}
	}
	m.metrics.sockets.WithLabelValues(le.Code.String()).Inc()
	m.logger.Error().Err(le).Stringer("addr", a).Int("from", msg.PID).
		Msg("cannot create listening socket")
	b, _ := le.MarshalBinary()
	m.replyError(msg, b)
}

func (m *Manager) onModules(msg *port.Message) {
	// Discovery may already have been reaped when its report is read.
	if m.discPID == 0 || msg.PID != m.discPID {
		m.logger.Debug().Int("from", msg.PID).Msg("ignoring modules report")
		return
	}
	if msg.Size() == 0 {
		return
	}
	if m.launched {
		m.logger.Warn().Int("from", msg.PID).Msg("duplicate modules report")
		return
	}
	langs, e := ParseModules(msg.Bytes())
	if e != nil {
		m.logger.Warn().Err(e).Msg("bad modules report")
	}
	SortModules(langs)
	m.langs = langs
	for _, l := range langs {
		m.logger.Debug().Stringer("module", l).Msg("language module")
	}
	m.launch()
}

// launch starts the controller and, if that worked, the router.
func (m *Manager) launch() {
	m.launched = true
	conf, e := m.conf.Read()
	if e != nil {
		m.logger.Error().Err(e).Str("path", m.conf.Path).
			Msg("cannot read configuration")
	}
	if _, e = m.spawn(controllerDescriptor(m.cred, conf)); e != nil {
		return
	}
	m.spawn(routerDescriptor(m.cred))
}

func (m *Manager) onConfStore(msg *port.Message) {
	if e := m.conf.Store(msg.Buf); e != nil {
		m.logger.Error().Err(e).Msg("failed to store current configuration")
		return
	}
	m.logger.Debug().Int("size", msg.Size()).Msg("configuration stored")
}

// onReply drops replies.  The main process only answers requests, it
// never issues them.
func (m *Manager) onReply(msg *port.Message) {
	m.logger.Debug().Int("from", msg.PID).Stringer("msg", msg).Msg("unexpected reply")
}
