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
	"sync"

	"golang.org/x/sys/unix"
)

const stderrFD = 2

var openLogFile = func(name string) (*os.File, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
}

// LogFiles is the set of log files held open by the main process.  When
// Stderr is set the first file also backs standard error.
type LogFiles struct {
	Paths  []string
	Stderr bool

	files []*os.File
	mx    sync.Mutex
}

// Open opens every path.  Nothing is kept open unless all of them open.
func (l *LogFiles) Open() error {
	files, e := l.openAll()
	if e != nil {
		return e
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	for _, f := range l.files {
		f.Close()
	}
	l.files = files
	if l.Stderr && len(files) > 0 {
		return unix.Dup3(int(files[0].Fd()), stderrFD, 0)
	}
	return nil
}

func (l *LogFiles) openAll() ([]*os.File, error) {
	files := make([]*os.File, 0, len(l.Paths))
	for _, p := range l.Paths {
		f, e := openLogFile(p)
		if e != nil {
			for _, f := range files {
				f.Close()
			}
			return nil, e
		}
		files = append(files, f)
	}
	return files, nil
}

// Files returns the open files, in path order.
func (l *LogFiles) Files() []*os.File {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]*os.File(nil), l.files...)
}

// Rotate reopens every path.  Only when all of them open is notify called
// for each new file, after which the new descriptor replaces the old one
// in place.  notify must not keep f; it may dup it.
func (l *LogFiles) Rotate(notify func(index int, f *os.File)) error {
	news, e := l.openAll()
	if e != nil {
		return e
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	var first error
	for i, f := range news {
		if notify != nil {
			notify(i, f)
		}
		if i < len(l.files) {
			e = unix.Dup3(int(f.Fd()), int(l.files[i].Fd()), unix.O_CLOEXEC)
			f.Close()
		} else {
			l.files = append(l.files, f)
		}
		if e != nil && first == nil {
			first = e
		}
		if i == 0 && l.Stderr {
			if e = unix.Dup3(int(l.files[0].Fd()), stderrFD, 0); e != nil && first == nil {
				first = e
			}
		}
	}
	return first
}

// Close closes the open files.
func (l *LogFiles) Close() {
	l.mx.Lock()
	defer l.mx.Unlock()
	for _, f := range l.files {
		f.Close()
	}
	l.files = nil
}
