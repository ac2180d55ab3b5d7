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
	"fmt"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/gdamore/appvisor/port"
)

// Role identifies what a process does.
type Role = port.Role

const (
	RoleMain       = port.RoleMain
	RoleDiscovery  = port.RoleDiscovery
	RoleController = port.RoleController
	RoleRouter     = port.RoleRouter
	RoleWorker     = port.RoleWorker
)

// Entry point names.  A child binary registers entries under these names
// with RegisterEntry.
const (
	EntryDiscovery  = "discovery"
	EntryController = "controller"
	EntryRouter     = "router"
	EntryWorker     = "worker"
)

// Credential is the identity a child process runs as.
type Credential struct {
	User   string
	Group  string
	UID    uint32
	GID    uint32
	Groups []uint32
}

// ResolveCredential looks up a user and, optionally, a group overriding
// the user's primary group.
func ResolveCredential(name, group string) (*Credential, error) {
	u, e := user.Lookup(name)
	if e != nil {
		return nil, fmt.Errorf("%w: user %q: %v", ErrBadCredentials, name, e)
	}
	c := &Credential{User: name, Group: group}
	uid, e := strconv.ParseUint(u.Uid, 10, 32)
	if e != nil {
		return nil, fmt.Errorf("%w: uid %q", ErrBadCredentials, u.Uid)
	}
	gid, e := strconv.ParseUint(u.Gid, 10, 32)
	if e != nil {
		return nil, fmt.Errorf("%w: gid %q", ErrBadCredentials, u.Gid)
	}
	if group != "" {
		g, e := user.LookupGroup(group)
		if e != nil {
			return nil, fmt.Errorf("%w: group %q: %v", ErrBadCredentials, group, e)
		}
		if gid, e = strconv.ParseUint(g.Gid, 10, 32); e != nil {
			return nil, fmt.Errorf("%w: gid %q", ErrBadCredentials, g.Gid)
		}
	}
	c.UID = uint32(uid)
	c.GID = uint32(gid)

	// Supplementary groups are best effort; some builds cannot list them.
	if ids, e := u.GroupIds(); e == nil {
		for _, id := range ids {
			if n, e := strconv.ParseUint(id, 10, 32); e == nil {
				c.Groups = append(c.Groups, uint32(n))
			}
		}
	}
	return c, nil
}

func (c *Credential) sys() *syscall.Credential {
	return &syscall.Credential{
		Uid:    c.UID,
		Gid:    c.GID,
		Groups: c.Groups,
	}
}

// Descriptor is the recipe used to start a process, and to start it again
// after it exits when Restart is set.  It outlives the process it created.
type Descriptor struct {
	Entry   string
	Name    string
	Cred    *Credential
	Role    Role
	Data    []byte
	Stream  uint32
	Restart bool

	// Module is the language module file a worker should load.
	Module string

	// Who asked for a worker, so that it can be told when the worker is
	// ready.
	ReplyPID  int
	ReplyPort uint32
}

func discoveryDescriptor(cred *Credential) *Descriptor {
	return &Descriptor{
		Entry: EntryDiscovery,
		Name:  "discovery",
		Cred:  cred,
		Role:  RoleDiscovery,
	}
}

func controllerDescriptor(cred *Credential, conf []byte) *Descriptor {
	return &Descriptor{
		Entry:   EntryController,
		Name:    "controller",
		Cred:    cred,
		Role:    RoleController,
		Data:    conf,
		Restart: true,
	}
}

func routerDescriptor(cred *Credential) *Descriptor {
	return &Descriptor{
		Entry:   EntryRouter,
		Name:    "router",
		Cred:    cred,
		Role:    RoleRouter,
		Restart: true,
	}
}

func workerDescriptor(app *AppConf, cred *Credential, m *port.Message, module string) *Descriptor {
	return &Descriptor{
		Entry:     EntryWorker,
		Name:      fmt.Sprintf("%q application", app.Name),
		Cred:      cred,
		Role:      RoleWorker,
		Data:      app.raw,
		Stream:    m.Stream,
		ReplyPID:  m.PID,
		ReplyPort: m.ReplyPort,
		Module:    module,
	}
}

// Process is the registry record of a live process.
type Process struct {
	PID     int
	Role    Role
	Ports   []*port.Port
	Init    *Descriptor
	Ready   bool
	Started time.Time
}

// Primary returns the first port, or nil.
func (p *Process) Primary() *port.Port {
	if len(p.Ports) == 0 {
		return nil
	}
	return p.Ports[0]
}

// FindPort returns the port with the given id, or nil.
func (p *Process) FindPort(id uint32) *port.Port {
	for _, pt := range p.Ports {
		if pt.ID == id {
			return pt
		}
	}
	return nil
}

func (p *Process) closePorts() {
	for _, pt := range p.Ports {
		pt.Close()
	}
}

// ProcessInfo is a snapshot of a Process for reporting.
type ProcessInfo struct {
	PID     int       `json:"pid"`
	Role    string    `json:"role"`
	Name    string    `json:"name"`
	Ports   int       `json:"ports"`
	Restart bool      `json:"restart"`
	Ready   bool      `json:"ready"`
	Started time.Time `json:"started"`
}

func (p *Process) info() ProcessInfo {
	i := ProcessInfo{
		PID:     p.PID,
		Role:    p.Role.String(),
		Ports:   len(p.Ports),
		Ready:   p.Ready,
		Started: p.Started,
	}
	if p.Init != nil {
		i.Name = p.Init.Name
		i.Restart = p.Init.Restart
	} else if p.Role == RoleMain {
		i.Name = "main"
	}
	return i
}
