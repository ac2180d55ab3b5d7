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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

// AppLangModule describes a language runtime module found by discovery.
type AppLangModule struct {
	Type    string `json:"type" toml:"type"`
	Version string `json:"version" toml:"version"`
	File    string `json:"file" toml:"file"`
}

func (l AppLangModule) String() string {
	return fmt.Sprintf("%s %s %q", l.Type, l.Version, l.File)
}

// ParseModules decodes a discovery report, a JSON array of modules.  It
// stops at the first element that is not a module, returning the ones
// before it together with the error.
func ParseModules(b []byte) ([]AppLangModule, error) {
	var raw []json.RawMessage
	if e := json.Unmarshal(b, &raw); e != nil {
		return nil, fmt.Errorf("modules: %w", e)
	}
	mods := make([]AppLangModule, 0, len(raw))
	for i, r := range raw {
		var m AppLangModule
		if e := json.Unmarshal(r, &m); e != nil {
			return mods, fmt.Errorf("modules[%d]: %w", i, e)
		}
		if m.Type == "" {
			return mods, fmt.Errorf("modules[%d]: missing type", i)
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// compareVersions orders dotted versions numerically, so that 3.11 sorts
// after 3.9.  Strings that do not parse as versions compare bytewise.
func compareVersions(a, b string) int {
	va, ea := version.NewVersion(a)
	vb, eb := version.NewVersion(b)
	if ea == nil && eb == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// SortModules orders modules by type, and within a type from the newest
// version to the oldest.
func SortModules(mods []AppLangModule) {
	sort.SliceStable(mods, func(i, j int) bool {
		if mods[i].Type != mods[j].Type {
			return mods[i].Type < mods[j].Type
		}
		return compareVersions(mods[i].Version, mods[j].Version) > 0
	})
}

// FindModule returns the first module matching name, which is a type
// optionally followed by a space and a version prefix ("python 3").  On a
// sorted list this is the newest match.
func FindModule(mods []AppLangModule, name string) *AppLangModule {
	typ, ver, _ := strings.Cut(strings.TrimSpace(name), " ")
	for i := range mods {
		m := &mods[i]
		if m.Type != typ {
			continue
		}
		if ver == "" || m.Version == ver ||
			strings.HasPrefix(m.Version, ver+".") {
			return m
		}
	}
	return nil
}
