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
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gdamore/appvisor"
)

// Source is what the handler reports on.  *appvisor.Manager implements it.
type Source interface {
	GetInfo() *appvisor.ManagerInfo
	Processes(ctx context.Context) ([]appvisor.ProcessInfo, error)
	WatchProcesses(old int64, expire time.Duration) int64
	Languages(ctx context.Context) ([]appvisor.AppLangModule, error)
	GetLog(last int64) ([]appvisor.LogRecord, int64)
	WatchLog(old int64, expire time.Duration) int64
	Gatherer() prometheus.Gatherer
}

// Handler wraps a Source, adding http.Handler functionality.
type Handler struct {
	m Source
	r *mux.Router
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}, etag string) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		if etag != "" {
			w.Header().Set("Etag", etag)
		}
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

func etagOf(id int64) string {
	return `"` + strconv.FormatInt(id, 10) + `"`
}

// pollTime returns how long a request asked to wait for a change from
// the current etag.
func pollTime(r *http.Request, etag string) time.Duration {
	if r.Header.Get(PollEtagHeader) != etag {
		return 0
	}
	secs, e := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if e != nil || secs <= 0 {
		return 0
	}
	if secs > maxPollTime {
		secs = maxPollTime
	}
	return time.Duration(secs) * time.Second
}

func notModified(w http.ResponseWriter, r *http.Request, etag string) bool {
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("Etag", etag)
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	info := h.m.GetInfo()
	etag := etagOf(info.Serial)
	if d := pollTime(r, etag); d > 0 {
		h.m.WatchProcesses(info.Serial, d)
		info = h.m.GetInfo()
		etag = etagOf(info.Serial)
	}
	if notModified(w, r, etag) {
		return
	}
	h.writeJson(w, &ManagerInfo{
		Name:       info.Name,
		Title:      info.Title,
		PID:        info.PID,
		Serial:     info.Serial,
		CreateTime: info.CreateTime,
		UpdateTime: info.UpdateTime,
	}, etag)
}

func (h *Handler) listProcesses(w http.ResponseWriter, r *http.Request) {
	serial := h.m.GetInfo().Serial
	etag := etagOf(serial)
	if d := pollTime(r, etag); d > 0 {
		serial = h.m.WatchProcesses(serial, d)
		etag = etagOf(serial)
	}
	if notModified(w, r, etag) {
		return
	}
	procs, e := h.m.Processes(r.Context())
	if e != nil {
		h.writeError(w, &Error{http.StatusServiceUnavailable, e.Error()})
		return
	}
	l := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		l = append(l, ProcessInfo(p))
	}
	h.writeJson(w, l, etag)
}

func (h *Handler) getProcess(w http.ResponseWriter, r *http.Request) {
	pid, e := strconv.Atoi(mux.Vars(r)["pid"])
	if e != nil {
		h.writeError(w, &Error{http.StatusBadRequest, "Bad process id"})
		return
	}
	procs, e := h.m.Processes(r.Context())
	if e != nil {
		h.writeError(w, &Error{http.StatusServiceUnavailable, e.Error()})
		return
	}
	for _, p := range procs {
		if p.PID == pid {
			h.writeJson(w, ProcessInfo(p), "")
			return
		}
	}
	h.writeError(w, &Error{http.StatusNotFound, "Process not found"})
}

func (h *Handler) listLanguages(w http.ResponseWriter, r *http.Request) {
	langs, e := h.m.Languages(r.Context())
	if e != nil {
		h.writeError(w, &Error{http.StatusServiceUnavailable, e.Error()})
		return
	}
	l := make([]LangInfo, 0, len(langs))
	for _, lm := range langs {
		l = append(l, LangInfo(lm))
	}
	h.writeJson(w, l, "")
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	_, id := h.m.GetLog(0)
	etag := etagOf(id)
	if d := pollTime(r, etag); d > 0 {
		id = h.m.WatchLog(id, d)
		etag = etagOf(id)
	}
	if notModified(w, r, etag) {
		return
	}
	recs, id := h.m.GetLog(0)
	l := make([]LogRecord, 0, len(recs))
	for _, rec := range recs {
		l = append(l, LogRecord(rec))
	}
	h.writeJson(w, l, etagOf(id))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(m Source) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r}
	r.HandleFunc("/", h.getInfo).Methods("GET")
	r.HandleFunc("/processes", h.listProcesses).Methods("GET")
	r.HandleFunc("/processes/{pid:[0-9]+}", h.getProcess).Methods("GET")
	r.HandleFunc("/languages", h.listLanguages).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})).Methods("GET")
	return h
}
