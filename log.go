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
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is one line captured from the main process logger.  Text is
// the line as written, which for zerolog output is a JSON object.
type LogRecord struct {
	Id    int64     `json:"id,string"`
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// Log is a bounded ring of recent log records, suitable as a zerolog
// writer.  Readers can poll it by ID, or block in Watch until it changes.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

// Write implements io.Writer.  Records written this way carry no level.
func (log *Log) Write(b []byte) (int, error) {
	return log.WriteLevel(zerolog.NoLevel, b)
}

// WriteLevel implements zerolog.LevelWriter.
func (log *Log) WriteLevel(l zerolog.Level, b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	level := ""
	if l != zerolog.NoLevel {
		level = l.String()
	}
	now := time.Now()
	log.lock()
	if log.maxRecords == 0 {
		log.maxRecords = MaxLogRecords
	}
	if log.records == nil {
		log.records = make([]LogRecord, log.maxRecords)
		log.numRecords = 0
	}
	for _, line := range strings.Split(str, "\n") {
		idx := log.numRecords % log.maxRecords
		log.id++
		log.records[idx] = LogRecord{
			Id:    log.id,
			Time:  now,
			Level: level,
			Text:  line,
		}
		// NB: numRecords may actually be more than maxRecords.
		// In that case, we've looped, but we use this really to
		// track the next index.
		log.numRecords++
	}
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
	return len(b), nil
}

func (log *Log) Clear() {
	log.lock()
	log.numRecords = 0
	// We presume that we cannot add new records more quickly than
	// once every nanosecond.
	log.id = time.Now().UnixNano()
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
}

// GetRecords returns the records that are stored, as well as an ID
// suitable for use as an Etag.  The last parameter can be the last ID
// that was checked, in which case this function will return nil immediately
// if the log has not changed since that ID was returned, without duplicating
// any records.  Note that IDs are not unique across different Log instances.
func (log *Log) GetRecords(last int64) ([]LogRecord, int64) {
	log.lock()
	defer log.unlock()
	if log.id == last {
		return nil, last
	}
	cnt := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := log.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, log.records[index%log.maxRecords])
		index++
	}
	return recs, log.id
}

// Watch blocks until the log ID differs from last, or expire elapses.
// It returns the current ID.
func (log *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&log.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			log.lock()
			expired = true
			cv.Broadcast()
			log.unlock()
		})
	} else {
		expired = true
	}

	log.lock()
	if log.cvs == nil {
		log.cvs = make(map[*sync.Cond]bool)
	}
	log.cvs[cv] = true
	for log.id == last && !expired {
		cv.Wait()
	}
	delete(log.cvs, cv)
	last = log.id
	log.unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log instance.
func NewLog() *Log {
	log := &Log{
		maxRecords: MaxLogRecords,
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
	return log
}
