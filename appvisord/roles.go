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
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/listen"
)

const (
	envListen     = "APPVISOR_LISTEN"
	workerTimeout = 30 * time.Second
)

func init() {
	appvisor.RegisterEntry(appvisor.EntryDiscovery, &appvisor.Entry{Start: discovery})
	appvisor.RegisterEntry(appvisor.EntryController, &appvisor.Entry{Start: controller})
	appvisor.RegisterEntry(appvisor.EntryRouter, &appvisor.Entry{Start: router})
	appvisor.RegisterEntry(appvisor.EntryWorker, &appvisor.Entry{Start: worker})
}

func childConfig() (appvisor.Config, error) {
	cfg, e := appvisor.LoadConfig(os.Getenv(appvisor.EnvConfig))
	if l := os.Getenv(envListen); l != "" {
		cfg.Listen = strings.Split(l, ",")
	}
	return cfg, e
}

// scanModules reads the module manifests in dir.  Each *.toml file names
// one module; bad manifests are skipped.
func scanModules(dir string, log zerolog.Logger) []appvisor.AppLangModule {
	paths, e := filepath.Glob(filepath.Join(dir, "*.toml"))
	if e != nil {
		log.Warn().Err(e).Str("dir", dir).Msg("cannot scan modules")
		return nil
	}
	var mods []appvisor.AppLangModule
	for _, p := range paths {
		var lm appvisor.AppLangModule
		if _, e := toml.DecodeFile(p, &lm); e != nil {
			log.Warn().Err(e).Str("manifest", p).Msg("bad module manifest")
			continue
		}
		if lm.Type == "" {
			log.Warn().Str("manifest", p).Msg("module manifest without type")
			continue
		}
		if lm.File != "" && !filepath.IsAbs(lm.File) {
			lm.File = filepath.Join(dir, lm.File)
		}
		mods = append(mods, lm)
	}
	return mods
}

// discovery reports the installed language modules and exits.
func discovery(ctx context.Context, c *appvisor.Child) error {
	cfg, e := childConfig()
	if e != nil {
		return e
	}
	mods := scanModules(cfg.Modules, c.Logger)
	c.Logger.Info().Int("modules", len(mods)).Msg("discovery done")
	return c.ReportModules(mods)
}

// storedConf is what the controller persists.
type storedConf struct {
	Listen []string           `json:"listen"`
	Apps   []appvisor.AppConf `json:"apps"`
}

// controller keeps the current configuration.  On first boot it seeds
// the store from the configuration file.
func controller(ctx context.Context, c *appvisor.Child) error {
	if len(c.Data) == 0 {
		cfg, e := childConfig()
		if e != nil {
			return e
		}
		b, e := json.Marshal(&storedConf{Listen: cfg.Listen, Apps: cfg.Apps})
		if e != nil {
			return e
		}
		if e = c.StoreConf(b); e != nil {
			return e
		}
		c.Logger.Info().Msg("initial configuration stored")
	} else {
		c.Logger.Info().Int("size", len(c.Data)).Msg("configuration loaded")
	}
	if e := c.Ready(); e != nil {
		return e
	}
	<-ctx.Done()
	return nil
}

// listenOn turns a bound socket received from the main process into a
// listener.
func listenOn(f *os.File) (net.Listener, error) {
	defer f.Close()
	rc, e := f.SyscallConn()
	if e != nil {
		return nil, e
	}
	var le error
	if e = rc.Control(func(fd uintptr) {
		le = unix.Listen(int(fd), unix.SOMAXCONN)
	}); e != nil {
		return nil, e
	}
	if le != nil {
		return nil, le
	}
	return net.FileListener(f)
}

type routes struct {
	workers map[string]int
	mx      sync.Mutex
}

func (rt *routes) set(name string, pid int) {
	rt.mx.Lock()
	rt.workers[name] = pid
	rt.mx.Unlock()
}

func (rt *routes) listApps(w http.ResponseWriter, r *http.Request) {
	rt.mx.Lock()
	b, e := json.Marshal(rt.workers)
	rt.mx.Unlock()
	if e != nil {
		http.Error(w, e.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Write(b)
}

func (rt *routes) getApp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["app"]
	rt.mx.Lock()
	pid, ok := rt.workers[name]
	rt.mx.Unlock()
	if !ok {
		http.Error(w, "No such application", http.StatusNotFound)
		return
	}
	// Request forwarding to workers is done by the language modules.
	http.Error(w, "Application "+name+" is served by worker "+
		strconv.Itoa(pid), http.StatusBadGateway)
}

// router provisions its listening sockets through the main process and
// starts a worker per configured application.
func router(ctx context.Context, c *appvisor.Child) error {
	cfg, e := childConfig()
	if e != nil {
		return e
	}
	rt := &routes{workers: make(map[string]int)}
	r := mux.NewRouter()
	r.HandleFunc("/", rt.listApps).Methods("GET")
	r.HandleFunc("/{app}", rt.getApp)

	var servers []*http.Server
	for _, s := range cfg.Listen {
		a, e := listen.ParseAddr(s)
		if e != nil {
			c.Logger.Error().Err(e).Msg("bad listen address")
			continue
		}
		f, e := c.ListenSocket(ctx, a)
		if e != nil {
			c.Logger.Error().Err(e).Stringer("addr", a).Msg("cannot listen")
			continue
		}
		l, e := listenOn(f)
		if e != nil {
			c.Logger.Error().Err(e).Stringer("addr", a).Msg("cannot listen")
			continue
		}
		srv := &http.Server{Handler: r}
		servers = append(servers, srv)
		go srv.Serve(l)
		c.Logger.Info().Stringer("addr", a).Msg("listening")
	}

	for i := range cfg.Apps {
		app := &cfg.Apps[i]
		wctx, cancel := context.WithTimeout(ctx, workerTimeout)
		pid, e := c.StartWorker(wctx, app)
		cancel()
		if e != nil {
			c.Logger.Error().Err(e).Str("app", app.Name).Msg("cannot start worker")
			continue
		}
		rt.set(app.Name, pid)
		c.Logger.Info().Str("app", app.Name).Int("worker", pid).Msg("worker ready")
	}

	if e = c.Ready(); e != nil {
		return e
	}
	<-ctx.Done()
	for _, srv := range servers {
		srv.Close()
	}
	return nil
}

// worker runs one application.  An external application replaces this
// process once the worker has reported ready.
func worker(ctx context.Context, c *appvisor.Child) error {
	app, e := appvisor.ParseAppConf(c.Data)
	if e != nil {
		return e
	}
	if app.WorkingDirectory != "" {
		if e = os.Chdir(app.WorkingDirectory); e != nil {
			return e
		}
	}
	if e = c.Ready(); e != nil {
		return e
	}
	if app.Executable != "" {
		env := make([]string, 0, len(os.Environ()))
		for _, kv := range os.Environ() {
			if !strings.HasPrefix(kv, appvisor.EnvChild+"=") {
				env = append(env, kv)
			}
		}
		return unix.Exec(app.Executable, []string{app.Executable}, env)
	}
	c.Logger.Info().Str("app", app.Name).Str("module", c.Module).Msg("worker running")
	<-ctx.Done()
	return nil
}
