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
	"os"
	"strings"
	"syscall"
)

// Forker starts child processes.  files are handed to the child in order
// starting at descriptor 3: the child's own port read end, then the main
// process port write end.  Fork returns the child pid and must not wait
// for the child; the manager reaps it.
type Forker interface {
	Fork(d *Descriptor, files []*os.File) (int, error)
}

// ExecForker starts children by executing the current binary again, with
// EnvChild set so that it runs the entry point named in its start message
// instead of a new main process.
type ExecForker struct {
	// Path is the executable, by default os.Executable().
	Path string
	// Args follow the process title in the child's argv.
	Args []string
	// Env is added to the environment of every child.
	Env []string
}

// Title returns the argv[0] given to a child, which is what ps shows.
func Title(name string) string {
	return "appvisor: " + name
}

// env is the inherited environment with Env and EnvChild replacing any
// inherited values of the same names.
func (f *ExecForker) env() []string {
	set := map[string]bool{EnvChild: true}
	for _, kv := range f.Env {
		k, _, _ := strings.Cut(kv, "=")
		set[k] = true
	}
	env := make([]string, 0, len(os.Environ())+len(f.Env)+1)
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); set[k] {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, f.Env...)
	return append(env, EnvChild+"=1")
}

func (f *ExecForker) Fork(d *Descriptor, files []*os.File) (int, error) {
	path := f.Path
	if path == "" {
		var e error
		if path, e = os.Executable(); e != nil {
			return 0, e
		}
	}
	sys := &syscall.SysProcAttr{}
	if d.Cred != nil && os.Geteuid() == 0 {
		sys.Credential = d.Cred.sys()
	}
	attr := &os.ProcAttr{
		Env:   f.env(),
		Files: append([]*os.File{os.Stdin, os.Stdout, os.Stderr}, files...),
		Sys:   sys,
	}
	argv := append([]string{Title(d.Name)}, f.Args...)
	proc, e := os.StartProcess(path, argv, attr)
	if e != nil {
		return 0, e
	}
	pid := proc.Pid
	// The manager reaps with wait4, so the handle is not needed.
	proc.Release()
	return pid, nil
}
