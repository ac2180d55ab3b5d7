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
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLog(t *testing.T) {
	Convey("The log ring", t, func() {
		log := NewLog()
		log.maxRecords = 3
		_, id := log.GetRecords(0)

		Convey("Keeps levels and the newest records", func() {
			logger := zerolog.New(log)
			for i := 0; i < 5; i++ {
				logger.Warn().Int("n", i).Msg("hello")
			}
			recs, nid := log.GetRecords(id)
			So(nid, ShouldNotEqual, id)
			So(len(recs), ShouldEqual, 3)
			So(recs[0].Level, ShouldEqual, "warn")
			So(recs[0].Text, ShouldContainSubstring, `"n":2`)
			So(recs[2].Text, ShouldContainSubstring, `"n":4`)

			recs, same := log.GetRecords(nid)
			So(recs, ShouldBeNil)
			So(same, ShouldEqual, nid)
		})

		Convey("Wakes watchers", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				log.Write([]byte("line\n"))
			}()
			nid := log.Watch(id, 2*time.Second)
			So(nid, ShouldNotEqual, id)
		})

		Convey("Times out watchers", func() {
			So(log.Watch(id, 10*time.Millisecond), ShouldEqual, id)
		})

		Convey("Clears", func() {
			log.Write([]byte("a\nb"))
			log.Clear()
			recs, _ := log.GetRecords(0)
			So(recs, ShouldBeEmpty)
		})
	})
}

func TestLogFiles(t *testing.T) {
	Convey("Log files", t, func() {
		dir := t.TempDir()
		a := filepath.Join(dir, "a.log")
		l := &LogFiles{Paths: []string{a}}
		So(l.Open(), ShouldBeNil)
		Reset(l.Close)

		Convey("Rotate onto the new file", func() {
			So(os.Rename(a, a+".1"), ShouldBeNil)
			notified := -1
			So(l.Rotate(func(i int, f *os.File) {
				notified = i
			}), ShouldBeNil)
			So(notified, ShouldEqual, 0)

			_, e := l.Files()[0].WriteString("after\n")
			So(e, ShouldBeNil)
			b, e := os.ReadFile(a)
			So(e, ShouldBeNil)
			So(string(b), ShouldEqual, "after\n")
		})

		Convey("Keep the old files if any path fails", func() {
			l.Paths = append(l.Paths, filepath.Join(dir, "missing", "b.log"))
			called := false
			So(l.Rotate(func(int, *os.File) {
				called = true
			}), ShouldNotBeNil)
			So(called, ShouldBeFalse)
			So(len(l.Files()), ShouldEqual, 1)
		})
	})
}
