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
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/appvisor/listen"
	"github.com/gdamore/appvisor/port"
)

// inprocForker runs children as goroutines in the test process, using
// the real child runtime over real ports.
type inprocForker struct {
	t       *testing.T
	m       *Manager
	entries map[string]*Entry
	next    int
	wg      sync.WaitGroup
	mx      sync.Mutex
}

func (f *inprocForker) Fork(d *Descriptor, files []*os.File) (int, error) {
	entry := f.entries[d.Entry]
	if entry == nil {
		return 0, ErrNoEntry
	}
	r, e := dupFile(files[0])
	if e != nil {
		return 0, e
	}
	w, e := dupFile(files[1])
	if e != nil {
		r.Close()
		return 0, e
	}
	f.mx.Lock()
	if f.next == 0 {
		f.next = 4100000
	}
	f.next++
	pid := f.next
	f.mx.Unlock()

	own := port.Open(r, nil, 0, 0, d.Role)
	main := port.Open(nil, w, 0, 0, RoleMain)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		logger := newLogger(&testLog{t: f.t}, nil, "child", zerolog.DebugLevel)
		c, e := NewChild(own, main, logger)
		if e == nil {
			e = c.Run(context.Background(), entry)
		} else {
			own.Close()
			main.Close()
		}
		status := exited(0)
		if e != nil {
			status = exited(1)
		}
		f.m.do(context.Background(), func() {
			f.m.reap(pid, status)
		})
	}()
	return pid, nil
}

type routerResult struct {
	sock   *os.File
	worker int
	err    error
}

func TestEndToEnd(t *testing.T) {
	Convey("A manager with real children", t, func() {
		cfg := testConfig(t)
		m := NewManager(cfg)
		m.SetLogger(&testLog{t: t})
		So(m.conf.Store([][]byte{[]byte(`{"boot":1}`)}), ShouldBeNil)

		results := make(chan routerResult, 1)
		modules := make(chan string, 1)
		f := &inprocForker{t: t, m: m}
		f.entries = map[string]*Entry{
			EntryDiscovery: {Start: func(ctx context.Context, c *Child) error {
				mods, e := ParseModules([]byte(testModules))
				if e != nil {
					return e
				}
				return c.ReportModules(mods)
			}},
			EntryController: {Start: func(ctx context.Context, c *Child) error {
				if string(c.Data) != `{"boot":1}` {
					return errors.New("controller got wrong configuration")
				}
				if e := c.StoreConf([]byte(`{"boot":2}`)); e != nil {
					return e
				}
				if e := c.Ready(); e != nil {
					return e
				}
				<-ctx.Done()
				return nil
			}},
			EntryRouter: {Start: func(ctx context.Context, c *Child) error {
				var res routerResult
				a, _ := listen.ParseAddr("127.0.0.1:0")
				res.sock, res.err = c.ListenSocket(ctx, a)
				if res.err == nil {
					app := &AppConf{Name: "blog", Type: "python", User: cfg.User}
					res.worker, res.err = c.StartWorker(ctx, app)
				}
				results <- res
				<-ctx.Done()
				return nil
			}},
			EntryWorker: {Start: func(ctx context.Context, c *Child) error {
				modules <- c.Module
				if e := c.Ready(); e != nil {
					return e
				}
				<-ctx.Done()
				return nil
			}},
		}
		m.SetForker(f)
		So(m.Start(), ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() {
			done <- m.Run(ctx)
		}()

		var res routerResult
		select {
		case res = <-results:
		case <-time.After(5 * time.Second):
			res.err = errors.New("timed out waiting for router")
		}
		So(res.err, ShouldBeNil)
		So(res.sock, ShouldNotBeNil)
		res.sock.Close()
		So(res.worker, ShouldBeGreaterThan, 0)
		module := ""
		select {
		case module = <-modules:
		case <-time.After(time.Second):
		}
		So(module, ShouldEqual, "/m/python3.11.so")

		qctx, qcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer qcancel()
		langs, e := m.Languages(qctx)
		So(e, ShouldBeNil)
		So(len(langs), ShouldEqual, 3)
		So(langs[0].Type, ShouldEqual, "php")

		procs, e := m.Processes(qctx)
		So(e, ShouldBeNil)
		roles := map[string]bool{}
		for _, p := range procs {
			roles[p.Role] = true
			if p.PID == res.worker {
				So(p.Ready, ShouldBeTrue)
			}
		}
		So(roles[RoleMain.String()], ShouldBeTrue)
		So(roles[RoleController.String()], ShouldBeTrue)
		So(roles[RoleRouter.String()], ShouldBeTrue)
		So(roles[RoleWorker.String()], ShouldBeTrue)

		stored := ""
		for i := 0; i < 100 && stored != `{"boot":2}`; i++ {
			b, _ := m.conf.Read()
			stored = string(b)
			time.Sleep(20 * time.Millisecond)
		}
		So(stored, ShouldEqual, `{"boot":2}`)

		cancel()
		select {
		case e = <-done:
		case <-time.After(5 * time.Second):
			e = errors.New("timed out waiting for shutdown")
		}
		So(e, ShouldBeNil)
		f.wg.Wait()

		_, e = m.Processes(qctx)
		So(e, ShouldEqual, ErrNotRunning)
	})
}

func TestEntries(t *testing.T) {
	Convey("Registered entry points", t, func() {
		e := &Entry{}
		RegisterEntry("test-entry", e)
		So(lookupEntry("test-entry"), ShouldEqual, e)
		So(lookupEntry("no-such-entry"), ShouldBeNil)
	})
}

func TestBadStart(t *testing.T) {
	Convey("A child whose first message is not a start", t, func() {
		own, e := port.New(0, 0, RoleWorker)
		So(e, ShouldBeNil)
		main, e := port.New(0, 0, RoleMain)
		So(e, ShouldBeNil)
		defer own.Close()
		defer main.Close()

		So(own.EnableWrite(), ShouldBeNil)
		So(own.Write(port.NewMessage(port.TypeQuit, 1, 0, 0)), ShouldBeNil)
		_, e = NewChild(own, main, zerolog.Nop())
		So(errors.Is(e, ErrBadStart), ShouldBeTrue)
	})
}
