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

// Command appvisor is a client for the appvisord status API.
//
// The flags are
//
//	-a <address>	- status API address, default is
//			  http://127.0.0.1:8321, or unix:/path
//	-u <user:pass>	- user name & password for basic auth
//
// Subcommands are
//
//	info		- show the main process
//	ps		- list the live processes
//	langs		- list the language modules
//	log [-f]	- print (and follow) the main process log
//	top		- full screen process view
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/gdamore/appvisor/rest"
)

var cli struct {
	Addr  string   `short:"a" default:"http://127.0.0.1:8321" env:"APPVISOR_ADDR" help:"Status API address."`
	Auth  string   `short:"u" help:"user:pass for basic authentication." placeholder:"USER:PASS"`
	Info  infoCmd  `cmd:"" help:"Show the main process."`
	Ps    psCmd    `cmd:"" default:"1" help:"List the live processes."`
	Langs langsCmd `cmd:"" help:"List the language modules."`
	Log   logCmd   `cmd:"" help:"Print the main process log."`
	Top   topCmd   `cmd:"" help:"Full screen process view."`
}

// newClient returns a client for addr, which may name a unix socket.
func newClient(addr, auth string) (*rest.Client, error) {
	var client *rest.Client
	if path := strings.TrimPrefix(addr, "unix:"); path != addr {
		t := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}
		client = rest.NewClient(t, "http://appvisor")
	} else {
		client = rest.NewClient(nil, strings.TrimSuffix(addr, "/"))
	}
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return nil, fmt.Errorf("bad user:pass supplied")
		}
		client.SetAuth(a[0], a[1])
	}
	return client, nil
}

// since formats the time since t at second resolution.
func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	d -= d % time.Second
	return d.String()
}

type sorted []rest.ProcessInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]
	if a.Role != b.Role {
		// main first, workers last
		return roleOrder(a.Role) < roleOrder(b.Role)
	}
	return a.PID < b.PID
}

func roleOrder(role string) int {
	switch role {
	case "main":
		return 0
	case "discovery":
		return 1
	case "controller":
		return 2
	case "router":
		return 3
	}
	return 4
}

func status(p *rest.ProcessInfo) string {
	if p.Ready {
		return "ready"
	}
	return "starting"
}

type infoCmd struct{}

func (infoCmd) Run(c *rest.Client) error {
	info, e := c.Info()
	if e != nil {
		return e
	}
	fmt.Printf("Name:      %s\n", info.Name)
	fmt.Printf("PID:       %d\n", info.PID)
	fmt.Printf("Title:     %s\n", info.Title)
	fmt.Printf("Up:        %s\n", since(info.CreateTime))
	fmt.Printf("Changed:   %s ago\n", since(info.UpdateTime))
	return nil
}

type psCmd struct{}

func (psCmd) Run(c *rest.Client) error {
	l, e := c.Processes()
	if e != nil {
		return e
	}
	procs := append([]rest.ProcessInfo(nil), l.Processes...)
	sort.Sort(sorted(procs))
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tROLE\tNAME\tSTATUS\tRESTART\tUP")
	for i := range procs {
		p := &procs[i]
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%s\n", p.PID, p.Role,
			p.Name, status(p), p.Restart, since(p.Started))
	}
	return w.Flush()
}

type langsCmd struct{}

func (langsCmd) Run(c *rest.Client) error {
	langs, e := c.Languages()
	if e != nil {
		return e
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tVERSION\tFILE")
	for _, l := range langs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Type, l.Version, l.File)
	}
	return w.Flush()
}

type logCmd struct {
	Follow bool `short:"f" help:"Wait for new records."`
}

func (cmd logCmd) Run(c *rest.Client) error {
	info, e := c.GetLog()
	if e != nil {
		return e
	}
	var last int64
	show := func(info *rest.LogInfo) {
		for _, r := range info.Records {
			if r.Id > last {
				fmt.Println(r.Text)
				last = r.Id
			}
		}
	}
	show(info)
	for cmd.Follow {
		if info, e = c.WatchLog(context.Background(), info); e != nil {
			return e
		}
		show(info)
	}
	return nil
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("appvisor"),
		kong.Description("Query a running appvisord."),
		kong.UsageOnError(),
	)
	client, e := newClient(cli.Addr, cli.Auth)
	kctx.FatalIfErrorf(e)
	kctx.FatalIfErrorf(kctx.Run(client))
}
