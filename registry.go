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

	"github.com/gdamore/appvisor/port"
)

// During shutdown the main loop ends once only the main process and one
// lingering child are left in the registry.  Adding an always-on role
// means revisiting lingeringProcesses.
const (
	mainProcesses      = 1
	lingeringProcesses = 1
	shutdownThreshold  = mainProcesses + lingeringProcesses
)

// Registry records every live process, keyed by pid.  It is owned by the
// main event loop and is not safe for concurrent use.
type Registry struct {
	procs   map[int]*Process
	order   []int
	exiting bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int]*Process)}
}

// Add registers a process.  Its pid must not belong to a live process.
func (r *Registry) Add(p *Process) error {
	if _, ok := r.procs[p.PID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicatePID, p.PID)
	}
	r.procs[p.PID] = p
	r.order = append(r.order, p.PID)
	return nil
}

// Find returns the process with pid, or nil.
func (r *Registry) Find(pid int) *Process {
	return r.procs[pid]
}

// Remove unregisters and returns the process with pid, or nil.
func (r *Registry) Remove(pid int) *Process {
	p, ok := r.procs[pid]
	if !ok {
		return nil
	}
	delete(r.procs, pid)
	for i, x := range r.order {
		if x == pid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p
}

// Len is the number of live processes, the main process included.
func (r *Registry) Len() int {
	return len(r.procs)
}

// Each calls fn for every process in registration order.  fn may add or
// remove processes.
func (r *Registry) Each(fn func(*Process)) {
	pids := append([]int(nil), r.order...)
	for _, pid := range pids {
		if p, ok := r.procs[pid]; ok {
			fn(p)
		}
	}
}

// ByRole returns the first registered process of a role, or nil.
func (r *Registry) ByRole(role Role) *Process {
	for _, pid := range r.order {
		if p := r.procs[pid]; p.Role == role {
			return p
		}
	}
	return nil
}

// FindPort resolves a (pid, port id) reference.
func (r *Registry) FindPort(pid int, id uint32) (*port.Port, error) {
	p := r.procs[pid]
	if p == nil {
		return nil, fmt.Errorf("%w: %w %d", port.ErrPeerGone, ErrNoProcess, pid)
	}
	pt := p.FindPort(id)
	if pt == nil {
		return nil, fmt.Errorf("%w: %w %d:%d", port.ErrPeerGone, ErrNoPort, pid, id)
	}
	return pt, nil
}

// SetExiting enters shutdown mode.  It cannot be left.
func (r *Registry) SetExiting() {
	r.exiting = true
}

// Exiting reports whether shutdown has begun.
func (r *Registry) Exiting() bool {
	return r.exiting
}

// Drained reports whether shutdown may complete.
func (r *Registry) Drained() bool {
	return r.exiting && r.Len() <= shutdownThreshold
}
