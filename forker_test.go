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
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func lookup(env []string, key string) []string {
	var vals []string
	for _, kv := range env {
		if k, v, _ := strings.Cut(kv, "="); k == key {
			vals = append(vals, v)
		}
	}
	return vals
}

func TestForkerEnv(t *testing.T) {
	Convey("The child environment", t, func() {
		t.Setenv(EnvBaseDir, "/home/someone/.local/state/appvisor")
		t.Setenv(EnvChild, "stale")
		t.Setenv("APPVISOR_TEST_KEEP", "yes")

		f := &ExecForker{Env: []string{EnvBaseDir + "=/var/lib/appvisor"}}
		env := f.env()

		Convey("Overrides replace inherited values", func() {
			So(lookup(env, EnvBaseDir), ShouldResemble, []string{"/var/lib/appvisor"})
		})
		Convey("Marks the child exactly once", func() {
			So(lookup(env, EnvChild), ShouldResemble, []string{"1"})
		})
		Convey("Keeps everything else", func() {
			So(lookup(env, "APPVISOR_TEST_KEEP"), ShouldResemble, []string{"yes"})
		})
	})
}
