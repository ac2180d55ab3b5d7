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
)

var (
	ErrDuplicatePID   = errors.New("Process id already registered")
	ErrNoProcess      = errors.New("No such process")
	ErrNoPort         = errors.New("No such port")
	ErrNoEntry        = errors.New("No entry point registered")
	ErrNotChild       = errors.New("Not started by appvisor")
	ErrBadAppConf     = errors.New("Bad application configuration")
	ErrBadStart       = errors.New("Bad start message")
	ErrNotRunning     = errors.New("Manager is not running")
	ErrBadCredentials = errors.New("Cannot resolve credentials")
	ErrWorkerFailed   = errors.New("Worker failed to start")
)
