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

package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gdamore/appvisor/port"
	. "github.com/smartystreets/goconvey/convey"
)

func reply(t port.Type, pid int, stream uint32) *port.Message {
	return port.NewMessage(t, pid, 0, stream)
}

func TestTable(t *testing.T) {
	Convey("Given an empty table", t, func() {
		tab := &Table{}
		var ready, failed []*port.Message
		onReady := func(m *port.Message) { ready = append(ready, m) }
		onFail := func(m *port.Message) { failed = append(failed, m) }

		Convey("Streams are distinct and non-zero", func() {
			s1 := tab.Register(10, onReady, onFail)
			s2 := tab.Register(10, onReady, onFail)
			So(s1, ShouldNotEqual, 0)
			So(s2, ShouldNotEqual, s1)
			So(tab.Pending(), ShouldEqual, 2)
		})

		Convey("A ready reply without LAST keeps the stream", func() {
			s := tab.Register(10, onReady, onFail)
			So(tab.Handle(reply(port.TypeRPCReady, 10, s)), ShouldBeTrue)
			So(tab.Pending(), ShouldEqual, 1)
			So(tab.Handle(reply(port.TypeRPCReady|port.FlagLast, 10, s)), ShouldBeTrue)
			So(tab.Pending(), ShouldEqual, 0)
			So(len(ready), ShouldEqual, 2)
			So(ready[1].Stream, ShouldEqual, s)
		})

		Convey("An error reply completes the stream", func() {
			s := tab.Register(10, onReady, onFail)
			So(tab.Handle(reply(port.TypeRPCError, 10, s)), ShouldBeTrue)
			So(len(failed), ShouldEqual, 1)
			So(tab.Pending(), ShouldEqual, 0)
		})

		Convey("Replies with unknown streams are dropped", func() {
			tab.Register(10, onReady, onFail)
			So(tab.Handle(reply(port.TypeRPCReady|port.FlagLast, 10, 777)), ShouldBeFalse)
			So(len(ready), ShouldEqual, 0)
		})

		Convey("A cancelled stream ignores its reply", func() {
			s := tab.Register(10, onReady, onFail)
			tab.Cancel(s)
			So(tab.Handle(reply(port.TypeRPCReady|port.FlagLast, 10, s)), ShouldBeFalse)
		})

		Convey("Removing a peer fails only its streams", func() {
			tab.Register(10, onReady, onFail)
			tab.Register(10, onReady, onFail)
			tab.Register(11, onReady, onFail)
			So(tab.RemovePeer(10), ShouldEqual, 2)
			So(len(failed), ShouldEqual, 2)
			So(failed[0], ShouldBeNil)
			So(tab.Pending(), ShouldEqual, 1)
		})
	})
}

func TestCall(t *testing.T) {
	Convey("Call waits for the matching reply", t, func() {
		tab := &Table{}
		streams := make(chan uint32, 1)
		go func() {
			s := <-streams
			tab.Handle(reply(port.TypeRPCReady, 3, s))
			tab.Handle(reply(port.TypeRPCReady|port.FlagLast, 3, s))
		}()
		var sent uint32
		m, e := tab.Call(context.Background(), 3, func(s uint32) error {
			sent = s
			streams <- s
			return nil
		})
		So(e, ShouldBeNil)
		So(m.Stream, ShouldEqual, sent)
		So(m.Last(), ShouldBeTrue)
	})

	Convey("Call reports a removed peer", t, func() {
		tab := &Table{}
		go func() {
			for tab.Pending() == 0 {
				time.Sleep(time.Millisecond)
			}
			tab.RemovePeer(3)
		}()
		_, e := tab.Call(context.Background(), 3, func(uint32) error { return nil })
		So(e, ShouldEqual, ErrPeerRemoved)
	})

	Convey("Call abandons the stream when the context ends", t, func() {
		tab := &Table{}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		_, e := tab.Call(ctx, 3, func(uint32) error { return nil })
		So(e, ShouldEqual, ErrCanceled)
		So(tab.Pending(), ShouldEqual, 0)
	})

	Convey("A send failure cancels the stream", t, func() {
		tab := &Table{}
		boom := errors.New("boom")
		_, e := tab.Call(context.Background(), 3, func(uint32) error { return boom })
		So(e, ShouldEqual, boom)
		So(tab.Pending(), ShouldEqual, 0)
	})
}
