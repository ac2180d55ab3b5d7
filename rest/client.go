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
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/context"
)

type LogInfo struct {
	etag    string
	Records []LogRecord
}

type ProcessList struct {
	etag      string
	Processes []ProcessInfo
}

type Client struct {
	user      string // HTTP Basic-Auth
	pass      string
	base      string // URI to root of tree on server
	auth      bool
	client    *http.Client
	transport *http.Transport

	// Cached data
	manager *ManagerInfo
	procs   *ProcessList
	log     *LogInfo
	lock    sync.Mutex
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(name string) string {
	return c.base + "/" + name
}

// Watch waits for the manager to change, returning the new etag.
func (c *Client) Watch(ctx context.Context, etag string) (string, error) {
	var e error
	c.lock.Lock()
	if c.manager != nil && etag == "" {
		etag = c.manager.etag
		c.lock.Unlock()
		return etag, nil
	}
	c.lock.Unlock()

	minfo := &ManagerInfo{}
	if minfo.etag, e = c.poll(ctx, c.url(""), etag, maxPollTime, minfo); e != nil {
		return "", e
	}
	if minfo.etag != "" {
		c.lock.Lock()
		if c.manager == nil || c.manager.etag != minfo.etag {
			c.manager = minfo
		}
		c.lock.Unlock()
		etag = minfo.etag
	}
	return etag, nil
}

// Info returns information about the manager.
func (c *Client) Info() (*ManagerInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	minfo := &ManagerInfo{}
	etag, e := c.poll(ctx, c.url(""), "", 0, minfo)
	if e != nil {
		return nil, e
	}
	minfo.etag = etag
	c.lock.Lock()
	c.manager = minfo
	c.lock.Unlock()
	return minfo, nil
}

func (c *Client) pollProcesses(ctx context.Context, secs int, last *ProcessList) (*ProcessList, error) {
	c.lock.Lock()
	cached := c.procs
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		// The cache is already newer than what the caller has seen.
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &ProcessList{}
	etag, e := c.poll(ctx, c.url("processes"), otag, secs, &v.Processes)
	if e != nil {
		return nil, e
	}
	if etag == "" && cached != nil {
		return cached, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.procs = v
	c.lock.Unlock()
	return v, nil
}

// Processes returns the process table.
func (c *Client) Processes() (*ProcessList, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.pollProcesses(ctx, 0, nil)
}

// WatchProcesses waits until the process table differs from last.
func (c *Client) WatchProcesses(ctx context.Context, last *ProcessList) (*ProcessList, error) {
	return c.pollProcesses(ctx, maxPollTime, last)
}

// GetProcess returns one process.
func (c *Client) GetProcess(pid int) (*ProcessInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v := &ProcessInfo{}
	if _, e := c.poll(ctx, c.url("processes/"+strconv.Itoa(pid)), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Languages returns the language modules known to the manager.
func (c *Client) Languages() ([]LangInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var v []LangInfo
	if _, e := c.poll(ctx, c.url("languages"), "", 0, &v); e != nil {
		return nil, e
	}
	return v, nil
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {

	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}

	res, e := c.client.Do(req)
	if e != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		rerr := &Error{}
		if b, e := io.ReadAll(res.Body); e == nil && json.Unmarshal(b, rerr) == nil && rerr.Message != "" {
			return "", rerr
		}
		return "", &Error{Code: res.StatusCode, Message: res.Status}
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return "", e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) pollLog(ctx context.Context, secs int, last *LogInfo) (*LogInfo, error) {

	c.lock.Lock()
	cached := c.log
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &LogInfo{}
	etag, e := c.poll(ctx, c.url("log"), otag, secs, &v.Records)
	if e != nil {
		c.lock.Lock()
		c.log = nil
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" && cached != nil {
		return cached, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.log = v
	c.lock.Unlock()

	return v, nil
}

func (c *Client) WatchLog(ctx context.Context, last *LogInfo) (*LogInfo, error) {

	// Let the poll wait for up to 300 secs (5 minutes).
	return c.pollLog(ctx, maxPollTime, last)
}

func (c *Client) GetLog() (*LogInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.pollLog(ctx, 0, nil)
}

// NewClient returns a Client handle.  The transport maybe nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	c := &Client{
		transport: t,
		base:      baseURI,
		client:    &http.Client{Transport: t},
	}
	return c
}
