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
	"bytes"
	"encoding/json"
	"fmt"
)

// AppConf is the application configuration carried by a worker start
// request, and the [[app]] table of the configuration file.  On the wire
// the request is the application name, a NUL byte, and the configuration
// as a JSON object.
type AppConf struct {
	Name             string `json:"name,omitempty" toml:"name"`
	Type             string `json:"type" toml:"type"`
	User             string `json:"user,omitempty" toml:"user"`
	Group            string `json:"group,omitempty" toml:"group"`
	WorkingDirectory string `json:"working_directory,omitempty" toml:"working_directory"`
	Workers          int32  `json:"workers,omitempty" toml:"workers"`
	Path             string `json:"path,omitempty" toml:"path"`
	Module           string `json:"module,omitempty" toml:"module"`
	Root             string `json:"root,omitempty" toml:"root"`
	Script           string `json:"script,omitempty" toml:"script"`
	Index            string `json:"index,omitempty" toml:"index"`
	Executable       string `json:"executable,omitempty" toml:"executable"`

	raw []byte
}

// ParseAppConf decodes a worker start request.
func ParseAppConf(b []byte) (*AppConf, error) {
	name, conf, ok := bytes.Cut(b, []byte{0})
	if !ok || len(name) == 0 {
		return nil, fmt.Errorf("%w: missing application name", ErrBadAppConf)
	}
	app := &AppConf{}
	if e := json.Unmarshal(conf, app); e != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAppConf, e)
	}
	app.Name = string(name)
	if app.User == "" {
		app.User = defaultUser
	}
	app.raw = append([]byte(nil), b...)
	return app, nil
}

// Encode returns the wire form of a worker start request.
func (a *AppConf) Encode() ([]byte, error) {
	conf, e := json.Marshal(a)
	if e != nil {
		return nil, e
	}
	b := make([]byte, 0, len(a.Name)+1+len(conf))
	b = append(b, a.Name...)
	b = append(b, 0)
	return append(b, conf...), nil
}
