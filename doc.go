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

// Package appvisor provides the main process of a multi-process
// application server.  The main process is privileged.  It starts the
// other processes, keeps track of them, restarts the ones that die,
// and hands them what they cannot obtain on their own: listening
// sockets on privileged ports, credentials for workers, and the
// persistent configuration store.
//
// Go cannot fork, so each child is the same binary started again with
// APPVISOR_CHILD set.  A child calls RunChild early in main, which reads
// its start message from the port inherited as descriptor 3 and runs
// the Entry registered under the role it was given.
//
// Processes talk over ports, which are pairs of SOCK_SEQPACKET sockets.
// Messages carry a fixed header, an optional payload, and optionally a
// file descriptor.  Request/response pairs are matched by stream id.
//
// The boot sequence is discovery, then controller, then router.  The
// discovery process reports the language modules it finds.  Once that
// report is in, the main process starts the controller with the stored
// configuration, and then the router.
package appvisor
