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

package rest

import (
	"time"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader and PollTimeHeader ask the server to hold a GET
	// until the resource etag differs from the given one, for at most
	// the given number of seconds.
	PollEtagHeader = "X-Appvisor-Poll-Etag"
	PollTimeHeader = "X-Appvisor-Poll-Time"

	maxPollTime = 300
)

type ManagerInfo struct {
	Name       string    `json:"name"`
	Title      string    `json:"title"`
	PID        int       `json:"pid"`
	Serial     int64     `json:"serial,string"`
	CreateTime time.Time `json:"created"`
	UpdateTime time.Time `json:"updated"`
	etag       string
}

type ProcessInfo struct {
	PID     int       `json:"pid"`
	Role    string    `json:"role"`
	Name    string    `json:"name"`
	Ports   int       `json:"ports"`
	Restart bool      `json:"restart"`
	Ready   bool      `json:"ready"`
	Started time.Time `json:"started"`
}

type LangInfo struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	File    string `json:"file"`
}

type LogRecord struct {
	Id    int64     `json:"id,string"`
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
