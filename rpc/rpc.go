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

// Package rpc pairs asynchronous port requests with their replies.  A
// requester registers a stream id before sending; the reply carries the same
// stream id back and is routed to the registered handlers.  There is no
// timeout: an entry lives until a final reply arrives, the peer is reported
// gone, or the requester cancels it.
package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/gdamore/appvisor/port"
)

var (
	ErrPeerRemoved = errors.New("rpc: peer removed")
	ErrCanceled    = errors.New("rpc: canceled")
)

// Handler receives replies.  For a removed peer the error handler is called
// with a nil message.
type Handler func(*port.Message)

type entry struct {
	peer  int
	ready Handler
	fail  Handler
}

// Table is the set of outstanding requests of one process.  The zero value
// is ready to use.
type Table struct {
	next    uint32
	pending map[uint32]*entry
	mx      sync.Mutex
}

func (t *Table) lock() {
	t.mx.Lock()
}

func (t *Table) unlock() {
	t.mx.Unlock()
}

// Register allocates a stream id for a request sent to peer.  ready is
// called for RPC_READY replies (possibly several, the last one flagged
// LAST); fail for RPC_ERROR or when the peer goes away.
func (t *Table) Register(peer int, ready, fail Handler) uint32 {
	t.lock()
	defer t.unlock()
	if t.pending == nil {
		t.pending = make(map[uint32]*entry)
	}
	for {
		t.next++
		// Stream 0 means "no stream".
		if t.next == 0 {
			continue
		}
		if _, ok := t.pending[t.next]; !ok {
			break
		}
	}
	t.pending[t.next] = &entry{peer: peer, ready: ready, fail: fail}
	return t.next
}

// Cancel forgets a stream.  A reply arriving later is dropped.
func (t *Table) Cancel(stream uint32) {
	t.lock()
	delete(t.pending, stream)
	t.unlock()
}

// Pending returns the number of outstanding streams.
func (t *Table) Pending() int {
	t.lock()
	defer t.unlock()
	return len(t.pending)
}

// Handle routes an RPC_READY or RPC_ERROR message.  It reports false if the
// stream is unknown, in which case the message is dropped.
func (t *Table) Handle(m *port.Message) bool {
	t.lock()
	e, ok := t.pending[m.Stream]
	if ok && (m.Kind() == port.TypeRPCError || m.Last()) {
		delete(t.pending, m.Stream)
	}
	t.unlock()
	if !ok {
		return false
	}
	var h Handler
	switch m.Kind() {
	case port.TypeRPCReady:
		h = e.ready
	case port.TypeRPCError:
		h = e.fail
	}
	if h != nil {
		h(m)
	}
	return true
}

// RemovePeer fails every stream outstanding against pid.
func (t *Table) RemovePeer(pid int) int {
	var gone []*entry
	t.lock()
	for s, e := range t.pending {
		if e.peer == pid {
			gone = append(gone, e)
			delete(t.pending, s)
		}
	}
	t.unlock()
	for _, e := range gone {
		if e.fail != nil {
			e.fail(nil)
		}
	}
	return len(gone)
}

// Call registers a stream, invokes send with it, and blocks until the final
// reply.  An RPC_ERROR reply is returned as the message (not an error) so
// that the caller can decode its payload.  If ctx ends first the stream is
// abandoned.
func (t *Table) Call(ctx context.Context, peer int, send func(stream uint32) error) (*port.Message, error) {
	type result struct {
		m *port.Message
		e error
	}
	ch := make(chan result, 1)
	done := func(m *port.Message) {
		if m == nil {
			ch <- result{e: ErrPeerRemoved}
			return
		}
		// The reply descriptor now belongs to the caller.
		c := *m
		m.FD = port.NoFD
		ch <- result{m: &c}
	}
	ready := func(m *port.Message) {
		if m.Last() {
			done(m)
		}
	}
	stream := t.Register(peer, ready, done)
	if e := send(stream); e != nil {
		t.Cancel(stream)
		return nil, e
	}
	select {
	case r := <-ch:
		return r.m, r.e
	case <-ctx.Done():
		t.Cancel(stream)
		return nil, ErrCanceled
	}
}
