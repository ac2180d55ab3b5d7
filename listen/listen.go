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

package listen

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Code classifies a provisioning failure.
type Code uint8

const (
	CodeSystem Code = iota
	CodeNoInet6
	CodeAccess
	CodePath
	CodePort
	CodeInUse
	CodeNoAddr
)

var codeNames = [...]string{
	CodeSystem:  "SYSTEM",
	CodeNoInet6: "NOINET6",
	CodeAccess:  "ACCESS",
	CodePath:    "PATH",
	CodePort:    "PORT",
	CodeInUse:   "INUSE",
	CodeNoAddr:  "NOADDR",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("CODE_%d", uint8(c))
}

// Error is a classified provisioning failure.  It is sent back to the
// requester as the RPC_ERROR payload: one code byte followed by Msg.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Msg
}

// MarshalBinary encodes the reply payload.
func (e *Error) MarshalBinary() ([]byte, error) {
	return append([]byte{byte(e.Code)}, e.Msg...), nil
}

// UnmarshalBinary decodes a reply payload.  An empty payload is a SYSTEM
// error without detail.
func (e *Error) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		*e = Error{Code: CodeSystem, Msg: "unknown error"}
		return nil
	}
	*e = Error{Code: Code(b[0]), Msg: string(b[1:])}
	return nil
}

// unixChmod and socket are replaced in tests.
var (
	socket    = unix.Socket
	unixChmod = os.Chmod
)

// Create makes a bound (not yet listening) stream socket for a.  SO_REUSEADDR
// is set, IPv6 sockets are v6-only, and unix sockets are made world
// accessible once bound.  On failure the returned error is an *Error.
func Create(a *Addr) (int, error) {
	fd, e := socket(a.Family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if e != nil {
		code := CodeSystem
		if e == unix.EAFNOSUPPORT && a.Family == unix.AF_INET6 {
			code = CodeNoInet6
		}
		return -1, &Error{Code: code, Msg: fmt.Sprintf("socket(%q) failed %v", a, e)}
	}
	if e = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
		unix.Close(fd)
		return -1, &Error{Code: CodeSystem,
			Msg: fmt.Sprintf("setsockopt(%q, SO_REUSEADDR) failed %v", a, e)}
	}
	if a.Family == unix.AF_INET6 {
		if e = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); e != nil {
			unix.Close(fd)
			return -1, &Error{Code: CodeSystem,
				Msg: fmt.Sprintf("setsockopt(%q, IPV6_V6ONLY) failed %v", a, e)}
		}
	}
	if e = unix.Bind(fd, a.sockaddr()); e != nil {
		unix.Close(fd)
		return -1, &Error{Code: bindCode(a.Family, e),
			Msg: fmt.Sprintf("bind(%q) failed %v", a, e)}
	}
	if a.Family == unix.AF_UNIX {
		// Only after bind: the file does not exist before.
		if e = unixChmod(a.Path, 0666); e != nil {
			unix.Close(fd)
			return -1, &Error{Code: CodeSystem,
				Msg: fmt.Sprintf("chmod(%q) failed %v", a.Path, e)}
		}
	}
	return fd, nil
}

func bindCode(family int, e error) Code {
	if family == unix.AF_UNIX {
		switch e {
		case unix.EACCES:
			return CodeAccess
		case unix.ENOENT, unix.ENOTDIR:
			return CodePath
		}
		return CodeSystem
	}
	switch e {
	case unix.EACCES:
		return CodePort
	case unix.EADDRINUSE:
		return CodeInUse
	case unix.EADDRNOTAVAIL:
		return CodeNoAddr
	}
	return CodeSystem
}
