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

// Package port implements the typed message channels used between the
// appvisor main process and the processes it supervises.  A Port is one
// end of a SOCK_SEQPACKET socket pair.  Messages carry a type, the sender
// pid, a reply port, a stream id used to pair requests with replies, at
// most one file descriptor, and a payload of any size, which is split into
// fragments on the wire.
package port

import (
	"bytes"
	"fmt"
	"os"
)

// Type is a message type, optionally combined with the FlagLast and
// FlagCloseFD modifiers.
type Type uint32

const (
	TypeQuit Type = iota
	TypeNewPort
	TypeChangeFile
	TypeMmap
	TypeData
	TypeRemovePID
	TypePortReady
	TypeStartWorker
	TypeSocket
	TypeModules
	TypeConfStore
	TypeRPCReady
	TypeRPCError

	NumTypes
)

const (
	// FlagLast marks the final fragment of an RPC reply.
	FlagLast Type = 0x100
	// FlagCloseFD asks the sender to close the attached descriptor once
	// it has been handed off (or the send has failed).
	FlagCloseFD Type = 0x200

	typeMask Type = 0xff
)

var typeNames = [...]string{
	TypeQuit:        "QUIT",
	TypeNewPort:     "NEW_PORT",
	TypeChangeFile:  "CHANGE_FILE",
	TypeMmap:        "MMAP",
	TypeData:        "DATA",
	TypeRemovePID:   "REMOVE_PID",
	TypePortReady:   "PORT_READY",
	TypeStartWorker: "START_WORKER_RPC",
	TypeSocket:      "CREATE_LISTEN_SOCKET",
	TypeModules:     "MODULES_REPORT",
	TypeConfStore:   "CONF_STORE",
	TypeRPCReady:    "RPC_READY",
	TypeRPCError:    "RPC_ERROR",
}

// Kind strips the modifier flags.
func (t Type) Kind() Type {
	return t & typeMask
}

func (t Type) String() string {
	k := t.Kind()
	s := fmt.Sprintf("TYPE_%d", uint32(k))
	if k < NumTypes {
		s = typeNames[k]
	}
	if t&FlagLast != 0 {
		s += "|LAST"
	}
	if t&FlagCloseFD != 0 {
		s += "|CLOSE_FD"
	}
	return s
}

// NoFD is used in Message.FD when no descriptor is attached.
const NoFD = -1

// Message is a single decoded (or to be encoded) port message.  On receipt
// the attached descriptor, if any, belongs to the receiver.
type Message struct {
	Type      Type
	PID       int
	ReplyPort uint32
	Stream    uint32
	FD        int
	Buf       [][]byte
}

// NewMessage returns a message without an attached descriptor.
func NewMessage(t Type, pid int, replyPort uint32, stream uint32, buf ...[]byte) *Message {
	return &Message{
		Type:      t,
		PID:       pid,
		ReplyPort: replyPort,
		Stream:    stream,
		FD:        NoFD,
		Buf:       buf,
	}
}

// Kind returns the message type without modifier flags.
func (m *Message) Kind() Type {
	return m.Type.Kind()
}

// Last reports whether the message is the final reply of its stream.
func (m *Message) Last() bool {
	return m.Type&FlagLast != 0
}

// Size is the total payload length.
func (m *Message) Size() int {
	n := 0
	for _, b := range m.Buf {
		n += len(b)
	}
	return n
}

// Bytes returns the payload as one contiguous slice.
func (m *Message) Bytes() []byte {
	switch len(m.Buf) {
	case 0:
		return nil
	case 1:
		return m.Buf[0]
	}
	return bytes.Join(m.Buf, nil)
}

// File takes ownership of the attached descriptor.  It returns nil when no
// descriptor was received.
func (m *Message) File(name string) *os.File {
	if m.FD < 0 {
		return nil
	}
	f := os.NewFile(uintptr(m.FD), name)
	m.FD = NoFD
	return f
}

// CloseFD closes a received descriptor that nobody claimed.
func (m *Message) CloseFD() {
	if m.FD >= 0 {
		closeFD(m.FD)
		m.FD = NoFD
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%v pid:%d reply:%d stream:%d fd:%d size:%d",
		m.Type, m.PID, m.ReplyPort, m.Stream, m.FD, m.Size())
}

// Handler processes a received message.
type Handler func(*Message)

// Handlers is a dispatch table indexed by message kind.
type Handlers [NumTypes]Handler

// Dispatch invokes the handler registered for the message kind.  Kinds
// without a handler are ignored; a descriptor nobody consumed is closed.
func (h *Handlers) Dispatch(m *Message) {
	k := m.Kind()
	if k < NumTypes && h[k] != nil {
		h[k](m)
	}
	m.CloseFD()
}
