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

package main

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/listen"
)

func TestScanModules(t *testing.T) {
	Convey("Scanning module manifests", t, func() {
		dir := t.TempDir()
		write := func(name, body string) {
			So(os.WriteFile(filepath.Join(dir, name), []byte(body), 0644), ShouldBeNil)
		}
		write("php.toml", "type = \"php\"\nversion = \"8.0\"\nfile = \"php.so\"\n")
		write("python.toml", "type = \"python\"\nversion = \"3.11\"\nfile = \"/usr/lib/python.so\"\n")
		write("broken.toml", "type = \n")
		write("untyped.toml", "version = \"1\"\n")
		write("README", "not a manifest")

		mods := scanModules(dir, zerolog.Nop())
		So(len(mods), ShouldEqual, 2)
		So(mods[0].Type, ShouldEqual, "php")
		So(mods[0].File, ShouldEqual, filepath.Join(dir, "php.so"))
		So(mods[1].File, ShouldEqual, "/usr/lib/python.so")

		Convey("A missing directory has no modules", func() {
			So(scanModules(filepath.Join(dir, "nope"), zerolog.Nop()), ShouldBeEmpty)
		})
	})
}

func TestChildEnv(t *testing.T) {
	Convey("A child loads the configuration of the main process", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "appvisord.toml")
		So(os.WriteFile(path, []byte("name = \"edge\"\n"), 0644), ShouldBeNil)

		t.Setenv(appvisor.EnvBaseDir, filepath.Join(dir, "state"))
		t.Setenv(appvisor.EnvConfig, "")
		cfg, e := appvisor.LoadConfig(path)
		So(e, ShouldBeNil)
		cfg.LogLevel = "warn"
		env := childEnv(&cfg, path, []string{"127.0.0.1:8080", "unix:/run/app.sock"})

		// The child runs as another user, with nothing set up for it.
		t.Setenv(appvisor.EnvBaseDir, "")
		t.Setenv(appvisor.EnvLogLevel, "")
		for _, kv := range env {
			k, v, _ := strings.Cut(kv, "=")
			t.Setenv(k, v)
		}
		child, e := childConfig()
		So(e, ShouldBeNil)
		So(child.Name, ShouldEqual, "edge")
		So(child.StateDir, ShouldEqual, cfg.StateDir)
		So(child.Modules, ShouldEqual, cfg.Modules)
		So(child.Modules, ShouldEqual, filepath.Join(dir, "state", "modules"))
		So(child.LogLevel, ShouldEqual, "warn")
		So(child.Listen, ShouldResemble, []string{"127.0.0.1:8080", "unix:/run/app.sock"})
	})
}

func TestListenOn(t *testing.T) {
	Convey("A provisioned socket becomes a listener", t, func() {
		a, e := listen.ParseAddr("127.0.0.1:0")
		So(e, ShouldBeNil)
		fd, e := listen.Create(a)
		So(e, ShouldBeNil)
		l, e := listenOn(os.NewFile(uintptr(fd), "test"))
		So(e, ShouldBeNil)
		defer l.Close()

		c, e := net.Dial("tcp", l.Addr().String())
		So(e, ShouldBeNil)
		c.Close()
	})
}
