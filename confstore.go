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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type syncWriteCloser interface {
	io.WriteCloser
	Sync() error
}

var createFile = func(name string) (syncWriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
}

// ConfStore persists the controller's configuration.  A store writes Tmp
// and renames it over Path, so Path always holds a complete copy.
type ConfStore struct {
	Path string
	Tmp  string
}

// NewConfStore returns a ConfStore whose temporary file sits next to path.
func NewConfStore(path string) *ConfStore {
	return &ConfStore{Path: path, Tmp: path + ".tmp"}
}

// Read returns the stored configuration.  A missing file yields nil
// without an error.
func (c *ConfStore) Read() ([]byte, error) {
	b, e := os.ReadFile(c.Path)
	if errors.Is(e, fs.ErrNotExist) {
		return nil, nil
	}
	return b, e
}

// Store writes the concatenation of bufs as the new configuration.  On
// failure the temporary file is removed and the previous copy is left
// alone.
func (c *ConfStore) Store(bufs [][]byte) error {
	if e := os.MkdirAll(filepath.Dir(c.Tmp), 0700); e != nil {
		return e
	}
	f, e := createFile(c.Tmp)
	if e != nil {
		return e
	}
	fail := func(e error) error {
		f.Close()
		os.Remove(c.Tmp)
		return fmt.Errorf("store %s: %w", c.Tmp, e)
	}
	for _, b := range bufs {
		n, e := f.Write(b)
		if e != nil {
			return fail(e)
		}
		if n != len(b) {
			return fail(io.ErrShortWrite)
		}
	}
	if e = f.Sync(); e != nil {
		return fail(e)
	}
	if e = f.Close(); e != nil {
		os.Remove(c.Tmp)
		return fmt.Errorf("store %s: %w", c.Tmp, e)
	}
	if e = os.Rename(c.Tmp, c.Path); e != nil {
		os.Remove(c.Tmp)
		return e
	}
	return nil
}
