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
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type failWriter struct {
	*os.File
	after int
}

func (w *failWriter) Write(b []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("injected write failure")
	}
	w.after--
	return w.File.Write(b)
}

func TestConfStore(t *testing.T) {
	Convey("A configuration store", t, func() {
		dir := t.TempDir()
		c := NewConfStore(filepath.Join(dir, "conf.json"))
		So(c.Tmp, ShouldEqual, c.Path+".tmp")

		Convey("Reads nothing before the first store", func() {
			b, e := c.Read()
			So(e, ShouldBeNil)
			So(b, ShouldBeNil)
		})

		Convey("Round trips", func() {
			So(c.Store([][]byte{[]byte("{\"x\":"), []byte("true}")}), ShouldBeNil)
			b, e := c.Read()
			So(e, ShouldBeNil)
			So(string(b), ShouldEqual, `{"x":true}`)
			_, e = os.Stat(c.Tmp)
			So(os.IsNotExist(e), ShouldBeTrue)
		})

		Convey("Keeps the old copy when a store is interrupted", func() {
			So(c.Store([][]byte{[]byte("old")}), ShouldBeNil)

			saved := createFile
			createFile = func(name string) (syncWriteCloser, error) {
				f, e := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
				if e != nil {
					return nil, e
				}
				return &failWriter{File: f, after: 1}, nil
			}
			Reset(func() {
				createFile = saved
			})

			e := c.Store([][]byte{[]byte("new"), []byte("er")})
			So(e, ShouldNotBeNil)
			b, e := c.Read()
			So(e, ShouldBeNil)
			So(string(b), ShouldEqual, "old")
			_, e = os.Stat(c.Tmp)
			So(os.IsNotExist(e), ShouldBeTrue)
		})
	})
}
