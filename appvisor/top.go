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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/appvisor/rest"
)

var (
	barStyle   = tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(tcell.ColorSilver)
	goodStyle  = tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(tcell.ColorGreen)
	errorStyle = tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorRed)
)

// topView shows the process table, refreshed as the server reports
// changes.
type topView struct {
	app    *views.Application
	title  *views.TextBar
	status *views.TextBar
	keys   *views.TextBar
	body   *views.TextArea

	procs []rest.ProcessInfo
	err   error
	lock  sync.Mutex

	views.Panel
}

func newTopView(app *views.Application, name string) *topView {
	t := &topView{app: app}

	t.title = views.NewTextBar()
	t.title.SetStyle(barStyle)
	t.title.SetCenter("Processes", barStyle)
	t.title.SetRight(name, barStyle)

	t.status = views.NewTextBar()
	t.status.SetStyle(barStyle)

	t.keys = views.NewTextBar()
	t.keys.SetStyle(barStyle)
	t.keys.SetLeft("[Q] Quit  [^L] Redraw", barStyle)

	t.body = views.NewTextArea()
	t.body.HideCursor(true)
	t.body.EnableCursor(false)

	t.Panel.SetTitle(t.title)
	t.Panel.SetMenu(t.status)
	t.Panel.SetContent(t.body)
	t.Panel.SetStatus(t.keys)
	return t
}

func (t *topView) HandleEvent(ev tcell.Event) bool {
	if ev, ok := ev.(*tcell.EventKey); ok {
		switch ev.Key() {
		case tcell.KeyCtrlC, tcell.KeyEscape:
			t.app.Quit()
			return true
		case tcell.KeyCtrlL:
			t.app.Refresh()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'q', 'Q':
				t.app.Quit()
				return true
			}
		}
	}
	return t.Panel.HandleEvent(ev)
}

// draw formats the table.  It runs on the application goroutine.
func (t *topView) draw() {
	t.lock.Lock()
	procs := t.procs
	err := t.err
	t.lock.Unlock()

	lines := []string{fmt.Sprintf("%-8s %-11s %-20s %-9s %s",
		"PID", "ROLE", "NAME", "STATUS", "UP")}
	for i := range procs {
		p := &procs[i]
		lines = append(lines, fmt.Sprintf("%-8d %-11s %-20s %-9s %s",
			p.PID, p.Role, p.Name, status(p), since(p.Started)))
	}
	t.body.SetLines(lines)

	if err != nil {
		t.status.SetStyle(errorStyle)
		t.status.SetLeft(err.Error(), errorStyle)
	} else {
		t.status.SetStyle(goodStyle)
		t.status.SetLeft(fmt.Sprintf("%d processes", len(procs)), goodStyle)
	}
}

func (t *topView) update(l *rest.ProcessList, err error) {
	t.lock.Lock()
	if l != nil {
		t.procs = append([]rest.ProcessInfo(nil), l.Processes...)
		sort.Sort(sorted(t.procs))
	}
	t.err = err
	t.lock.Unlock()
	t.app.PostFunc(t.draw)
}

// refresh long polls the server until ctx is done.
func (t *topView) refresh(ctx context.Context, c *rest.Client) {
	var last *rest.ProcessList
	for {
		l, e := c.WatchProcesses(ctx, last)
		if ctx.Err() != nil {
			return
		}
		t.update(l, e)
		if e != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		last = l
	}
}

// tick redraws once a second so the uptimes advance.
func (t *topView) tick(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.app.PostFunc(t.draw)
		}
	}
}

type topCmd struct{}

func (topCmd) Run(c *rest.Client) error {
	info, e := c.Info()
	if e != nil {
		return e
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scr, e := tcell.NewScreen()
	if e != nil {
		return e
	}
	app := &views.Application{}
	app.SetScreen(scr)
	t := newTopView(app, info.Name)
	app.SetRootWidget(t)
	t.draw()

	go t.refresh(ctx, c)
	go t.tick(ctx)
	return app.Run()
}
