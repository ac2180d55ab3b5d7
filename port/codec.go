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
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the size of the fixed header preceding every fragment.
	HeaderLen = 32
	// MaxFragment bounds the payload carried by one packet.  Larger
	// payloads are split and reassembled by the receiver.
	MaxFragment = 16 * 1024

	magic uint32 = 0x41505650 // "APVP"

	fragFD   uint16 = 0x01
	fragMore uint16 = 0x02
)

var (
	ErrMalformed = errors.New("port: malformed message")
	ErrClosed    = errors.New("port: closed")
	ErrPeerGone  = errors.New("port: peer gone")
)

// header is the fixed wire header.  All fields are big endian.
//
//	0:4   magic
//	4:8   type (with modifier flags)
//	8:12  sender pid
//	12:16 reply port
//	16:20 stream
//	20:22 fragment flags
//	22:24 reserved
//	24:28 fragment length
//	28:32 reserved
type header struct {
	Type      Type
	PID       uint32
	ReplyPort uint32
	Stream    uint32
	Flags     uint16
	Length    uint32
}

func encodePacket(h header, frag []byte) []byte {
	buf := make([]byte, HeaderLen+len(frag))
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.PID)
	binary.BigEndian.PutUint32(buf[12:16], h.ReplyPort)
	binary.BigEndian.PutUint32(buf[16:20], h.Stream)
	binary.BigEndian.PutUint16(buf[20:22], h.Flags)
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(frag)))
	copy(buf[HeaderLen:], frag)
	return buf
}

func decodePacket(b []byte) (header, []byte, error) {
	if len(b) < HeaderLen {
		return header{}, nil, fmt.Errorf("%w: short packet (%d bytes)",
			ErrMalformed, len(b))
	}
	if m := binary.BigEndian.Uint32(b[0:4]); m != magic {
		return header{}, nil, fmt.Errorf("%w: bad magic %#x", ErrMalformed, m)
	}
	h := header{
		Type:      Type(binary.BigEndian.Uint32(b[4:8])),
		PID:       binary.BigEndian.Uint32(b[8:12]),
		ReplyPort: binary.BigEndian.Uint32(b[12:16]),
		Stream:    binary.BigEndian.Uint32(b[16:20]),
		Flags:     binary.BigEndian.Uint16(b[20:22]),
		Length:    binary.BigEndian.Uint32(b[24:28]),
	}
	if h.Length > MaxFragment || int(h.Length) != len(b)-HeaderLen {
		return header{}, nil, fmt.Errorf("%w: fragment length %d in %d byte packet",
			ErrMalformed, h.Length, len(b))
	}
	return h, b[HeaderLen:], nil
}

// EncodePID is the REMOVE_PID payload.
func EncodePID(pid int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(pid))
	return b
}

// DecodePID parses a REMOVE_PID payload.
func DecodePID(b []byte) (int, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: pid payload of %d bytes", ErrMalformed, len(b))
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

// Info identifies a port announced with NEW_PORT.  The write end travels
// as the message descriptor.
type Info struct {
	PID  int
	ID   uint32
	Role Role
}

// MarshalBinary encodes the NEW_PORT payload.
func (i Info) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], uint32(i.PID))
	binary.BigEndian.PutUint32(b[4:8], i.ID)
	binary.BigEndian.PutUint32(b[8:12], uint32(i.Role))
	return b, nil
}

// UnmarshalBinary decodes the NEW_PORT payload.
func (i *Info) UnmarshalBinary(b []byte) error {
	if len(b) != 12 {
		return fmt.Errorf("%w: port info of %d bytes", ErrMalformed, len(b))
	}
	i.PID = int(binary.BigEndian.Uint32(b[0:4]))
	i.ID = binary.BigEndian.Uint32(b[4:8])
	i.Role = Role(binary.BigEndian.Uint32(b[8:12]))
	return nil
}
