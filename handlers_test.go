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
	"net"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/appvisor/listen"
	"github.com/gdamore/appvisor/port"
)

const testModules = `[
	{"type": "python", "version": "3.9", "file": "/m/python3.9.so"},
	{"type": "python", "version": "3.11", "file": "/m/python3.11.so"},
	{"type": "php", "version": "8.0", "file": "/m/php.so"}
]`

func TestModulesReport(t *testing.T) {
	Convey("A modules report", t, WithManager(t, func(m *Manager, f *fakeForker) {
		So(m.Start(), ShouldBeNil)
		disc := f.role(RoleDiscovery)
		So(disc.next(), ShouldNotBeNil)

		Convey("From discovery starts controller and router", func() {
			So(disc.send(port.TypeModules, 0, []byte(testModules)), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			So(m.launched, ShouldBeTrue)
			So(len(m.langs), ShouldEqual, 3)
			So(m.langs[0].Type, ShouldEqual, "php")
			So(m.langs[1].Version, ShouldEqual, "3.11")
			So(m.reg.ByRole(RoleController), ShouldNotBeNil)
			So(m.reg.ByRole(RoleRouter), ShouldNotBeNil)
			So(m.reg.ByRole(RoleController).Init.Restart, ShouldBeTrue)

			Convey("A second report is ignored", func() {
				So(disc.send(port.TypeModules, 0, []byte(`[]`)), ShouldBeNil)
				So(pump(m), ShouldNotBeNil)
				So(len(m.langs), ShouldEqual, 3)
				So(m.reg.Len(), ShouldEqual, 4)
			})
		})

		Convey("A bad report still starts the controller", func() {
			So(disc.send(port.TypeModules, 0, []byte(`[{"type":"go"}, 7]`)), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			So(len(m.langs), ShouldEqual, 1)
			So(m.reg.ByRole(RoleController), ShouldNotBeNil)
		})

		Convey("From anybody else is ignored", func() {
			_, e := m.spawn(routerDescriptor(nil))
			So(e, ShouldBeNil)
			router := f.role(RoleRouter)
			So(router.send(port.TypeModules, 0, []byte(testModules)), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			So(m.launched, ShouldBeFalse)
			So(m.langs, ShouldBeEmpty)
			So(m.reg.ByRole(RoleController), ShouldBeNil)
		})

		Convey("The controller gets the stored configuration", func() {
			conf := []byte(`{"listeners":{}}`)
			So(m.conf.Store([][]byte{conf}), ShouldBeNil)
			So(disc.send(port.TypeModules, 0, []byte(testModules)), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			ctrl := m.reg.ByRole(RoleController)
			So(ctrl, ShouldNotBeNil)
			So(string(ctrl.Init.Data), ShouldEqual, string(conf))
		})
	}))
}

func TestSocketRequest(t *testing.T) {
	Convey("A listening socket request", t, WithManager(t, func(m *Manager, f *fakeForker) {
		So(m.Start(), ShouldBeNil)
		_, e := m.spawn(routerDescriptor(nil))
		So(e, ShouldBeNil)
		router := f.role(RoleRouter)
		So(router.next(), ShouldNotBeNil)

		Convey("Returns a socket on the same stream", func() {
			a, e := listen.ParseAddr("127.0.0.1:0")
			So(e, ShouldBeNil)
			b, _ := a.MarshalBinary()
			So(router.send(port.TypeSocket, 77, b), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)

			msg := router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRPCReady)
			So(msg.Last(), ShouldBeTrue)
			So(msg.Stream, ShouldEqual, uint32(77))
			sock := msg.File("socket")
			So(sock, ShouldNotBeNil)
			l, e := net.FileListener(sock)
			So(e, ShouldBeNil)
			So(l.Addr().String(), ShouldStartWith, "127.0.0.1:")
			l.Close()
			sock.Close()
		})

		Convey("Reports an address in use", func() {
			l, e := net.Listen("tcp4", "127.0.0.1:0")
			So(e, ShouldBeNil)
			defer l.Close()
			a, e := listen.ParseAddr(l.Addr().String())
			So(e, ShouldBeNil)
			b, _ := a.MarshalBinary()
			So(router.send(port.TypeSocket, 78, b), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)

			msg := router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRPCError)
			So(msg.Stream, ShouldEqual, uint32(78))
			So(msg.FD, ShouldEqual, port.NoFD)
			le := &listen.Error{}
			So(le.UnmarshalBinary(msg.Bytes()), ShouldBeNil)
			So(le.Code, ShouldEqual, listen.CodeInUse)
		})

		Convey("Reports a garbled address", func() {
			So(router.send(port.TypeSocket, 79, []byte{9}), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			msg := router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRPCError)
			So(msg.Stream, ShouldEqual, uint32(79))
			le := &listen.Error{}
			So(le.UnmarshalBinary(msg.Bytes()), ShouldBeNil)
			So(le.Code, ShouldEqual, listen.CodeSystem)
		})
	}))
}

func TestWorkerRequest(t *testing.T) {
	Convey("A worker start request", t, WithManager(t, func(m *Manager, f *fakeForker) {
		So(m.Start(), ShouldBeNil)
		_, e := m.spawn(routerDescriptor(nil))
		So(e, ShouldBeNil)
		router := f.role(RoleRouter)
		So(router.next(), ShouldNotBeNil)

		Convey("With an unknown user fails", func() {
			app := &AppConf{Name: "blog", Type: "python", User: "appvisor-no-such-user"}
			b, e := app.Encode()
			So(e, ShouldBeNil)
			So(router.send(port.TypeStartWorker, 11, b), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)

			msg := router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRPCError)
			So(msg.Stream, ShouldEqual, uint32(11))
			So(m.reg.ByRole(RoleWorker), ShouldBeNil)
		})

		Convey("Without a name fails", func() {
			So(router.send(port.TypeStartWorker, 12, []byte(`{"type":"go"}`)), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			msg := router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRPCError)
			So(msg.Stream, ShouldEqual, uint32(12))
		})

		Convey("Starts a worker that reports back when ready", func() {
			app := &AppConf{Name: "blog", Type: "python", User: m.cfg.User}
			b, e := app.Encode()
			So(e, ShouldBeNil)
			So(router.send(port.TypeStartWorker, 13, b), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)

			wp := m.reg.ByRole(RoleWorker)
			So(wp, ShouldNotBeNil)
			So(wp.Init.Restart, ShouldBeFalse)
			So(wp.Init.Stream, ShouldEqual, uint32(13))
			So(wp.Init.ReplyPID, ShouldEqual, router.pid)

			worker := f.child(wp.PID)
			So(worker, ShouldNotBeNil)
			start := worker.next()
			So(start, ShouldNotBeNil)
			So(string(start.Bytes()), ShouldContainSubstring, `"entry":"worker"`)

			So(worker.send(port.TypePortReady, 13), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			So(wp.Ready, ShouldBeTrue)

			msg := router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRPCReady)
			So(msg.Last(), ShouldBeTrue)
			So(msg.Stream, ShouldEqual, uint32(13))
			pid, e := port.DecodePID(msg.Bytes())
			So(e, ShouldBeNil)
			So(pid, ShouldEqual, wp.PID)
		})

		Convey("Fails the request of a worker that dies before it is ready", func() {
			app := &AppConf{Name: "blog", Type: "python", User: m.cfg.User}
			b, e := app.Encode()
			So(e, ShouldBeNil)
			So(router.send(port.TypeStartWorker, 14, b), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			wp := m.reg.ByRole(RoleWorker)
			So(wp, ShouldNotBeNil)

			m.reap(wp.PID, exited(1))
			So(m.reg.Find(wp.PID), ShouldBeNil)

			msg := router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRPCError)
			So(msg.Last(), ShouldBeTrue)
			So(msg.Stream, ShouldEqual, uint32(14))
			So(string(msg.Bytes()), ShouldEqual, "Worker exited before it was ready")

			msg = router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRemovePID)
		})

		Convey("A worker that was ready exits without a reply", func() {
			app := &AppConf{Name: "blog", Type: "python", User: m.cfg.User}
			b, e := app.Encode()
			So(e, ShouldBeNil)
			So(router.send(port.TypeStartWorker, 15, b), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			wp := m.reg.ByRole(RoleWorker)
			So(wp, ShouldNotBeNil)
			worker := f.child(wp.PID)
			So(worker.next(), ShouldNotBeNil)
			So(worker.send(port.TypePortReady, 15), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			So(router.next().Kind(), ShouldEqual, port.TypeRPCReady)

			m.reap(wp.PID, exited(0))
			msg := router.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeRemovePID)
		})
	}))
}

func TestStrayReply(t *testing.T) {
	Convey("A reply sent to the main process", t, WithManager(t, func(m *Manager, f *fakeForker) {
		So(m.Start(), ShouldBeNil)
		_, e := m.spawn(routerDescriptor(nil))
		So(e, ShouldBeNil)
		router := f.role(RoleRouter)
		So(router.next(), ShouldNotBeNil)
		serial := m.Serial()

		So(router.send(port.TypeRPCReady|port.FlagLast, 21, []byte("x")), ShouldBeNil)
		msg := pump(m)
		So(msg, ShouldNotBeNil)
		So(msg.Kind(), ShouldEqual, port.TypeRPCReady)
		So(m.reg.Len(), ShouldEqual, 3)
		So(m.Serial(), ShouldEqual, serial)
		So(router.pending(), ShouldBeEmpty)
	}))
}

func TestConfStoreRequest(t *testing.T) {
	Convey("A configuration store request", t, WithManager(t, func(m *Manager, f *fakeForker) {
		So(m.Start(), ShouldBeNil)
		_, e := m.spawn(controllerDescriptor(nil, nil))
		So(e, ShouldBeNil)
		ctrl := f.role(RoleController)

		Convey("Writes the configuration", func() {
			So(ctrl.send(port.TypeConfStore, 0, []byte(`{"a":`), []byte(`1}`)), ShouldBeNil)
			So(pump(m), ShouldNotBeNil)
			b, e := os.ReadFile(m.conf.Path)
			So(e, ShouldBeNil)
			So(string(b), ShouldEqual, `{"a":1}`)
			_, e = os.Stat(m.conf.Tmp)
			So(os.IsNotExist(e), ShouldBeTrue)
			So(filepath.Dir(m.conf.Path), ShouldEqual, m.cfg.StateDir)
		})
	}))
}

func TestLogRotation(t *testing.T) {
	Convey("Rotating log files", t, WithManager(t, func(m *Manager, f *fakeForker) {
		dir := t.TempDir()
		m.logs = &LogFiles{Paths: []string{
			filepath.Join(dir, "a.log"),
			filepath.Join(dir, "b.log"),
		}}
		So(m.Start(), ShouldBeNil)
		disc := f.role(RoleDiscovery)
		So(disc.next(), ShouldNotBeNil)

		m.rotateLogs()
		for i := 0; i < 2; i++ {
			msg := disc.next()
			So(msg, ShouldNotBeNil)
			So(msg.Kind(), ShouldEqual, port.TypeChangeFile)
			So(msg.FD, ShouldBeGreaterThanOrEqualTo, 0)
			index, e := port.DecodePID(msg.Bytes())
			So(e, ShouldBeNil)
			So(index, ShouldEqual, i)
			msg.CloseFD()
		}
	}))
}
