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

// Command appvisord is the appvisor main process.  It runs as root (or as
// the user owning the state directory), provisions listening sockets, and
// supervises the discovery, controller, router and worker processes,
// which are started by running this same binary again.
//
// The flags are
//
//	-c <file>	- TOML configuration file
//	-a <address>	- status API address, "host:port" or "unix:/path"
//	-l <level>	- log level
//	-L <address>	- router listening address, may be repeated
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/rest"
)

var cli struct {
	Config   string   `short:"c" help:"Configuration file." placeholder:"PATH" env:"APPVISOR_CONFIG" type:"path"`
	Status   string   `short:"a" help:"Status API address (host:port or unix:/path)." placeholder:"ADDR"`
	LogLevel string   `short:"l" help:"Log level (trace, debug, info, warn, error)." placeholder:"LEVEL"`
	Listen   []string `short:"L" help:"Router listening address." placeholder:"ADDR"`
}

func statusListener(addr string) (net.Listener, error) {
	if path := strings.TrimPrefix(addr, "unix:"); path != addr {
		os.Remove(path)
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}

func serveStatus(m *appvisor.Manager, addr string, log *zerolog.Logger) *http.Server {
	l, e := statusListener(addr)
	if e != nil {
		log.Error().Err(e).Str("addr", addr).Msg("cannot start status API")
		return nil
	}
	srv := &http.Server{Handler: rest.NewHandler(m)}
	go func() {
		if e := srv.Serve(l); e != nil && !errors.Is(e, http.ErrServerClosed) {
			log.Error().Err(e).Msg("status API failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("status API listening")
	return srv
}

// childEnv lets children load the configuration the main process
// resolved, including the command line overrides.
func childEnv(cfg *appvisor.Config, path string, listen []string) []string {
	env := cfg.ChildEnv()
	if path != "" {
		if abs, e := filepath.Abs(path); e == nil {
			path = abs
		}
		env = append(env, appvisor.EnvConfig+"="+path)
	}
	if len(listen) != 0 {
		env = append(env, envListen+"="+strings.Join(listen, ","))
	}
	return env
}

func main() {
	if appvisor.IsChild() {
		os.Exit(appvisor.RunChild())
	}

	kctx := kong.Parse(&cli,
		kong.Name("appvisord"),
		kong.Description("The appvisor main process."),
		kong.UsageOnError(),
	)

	cfg, e := appvisor.LoadConfig(cli.Config)
	kctx.FatalIfErrorf(e)
	if cli.Status != "" {
		cfg.Status = cli.Status
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if len(cli.Listen) != 0 {
		cfg.Listen = cli.Listen
	}
	kctx.FatalIfErrorf(cfg.Validate())
	kctx.FatalIfErrorf(os.MkdirAll(cfg.StateDir, 0700))

	forker := &appvisor.ExecForker{Env: childEnv(&cfg, cli.Config, cli.Listen)}

	m := appvisor.NewManager(cfg)
	m.SetForker(forker)
	log := m.Logger()

	if e = m.Start(); e != nil {
		os.Exit(1)
	}
	var srv *http.Server
	if cfg.Status != "" && cfg.Status != "none" {
		srv = serveStatus(m, cfg.Status, log)
	}
	e = m.Run(context.Background())
	if srv != nil {
		srv.Close()
	}
	if e != nil {
		log.Error().Err(e).Msg("main process failed")
		os.Exit(1)
	}
}
