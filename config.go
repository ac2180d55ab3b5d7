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
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/rs/zerolog"

	"github.com/gdamore/appvisor/listen"
)

const (
	EnvBaseDir  = "APPVISORDIR"
	EnvLogLevel = "APPVISOR_LOG_LEVEL"
	EnvConfig   = "APPVISOR_CONFIG"

	defaultName   = "appvisor"
	defaultUser   = "nobody"
	DefaultStatus = "127.0.0.1:8321"
)

// Config is the runtime configuration of the main process, normally read
// from a TOML file.  Empty fields take defaults from DefaultConfig.
type Config struct {
	Name     string    `toml:"name"`
	StateDir string    `toml:"state_dir"`
	ConfFile string    `toml:"conf_file"`
	User     string    `toml:"user"`
	Group    string    `toml:"group"`
	LogFiles []string  `toml:"log_files"`
	LogLevel string    `toml:"log_level"`
	Modules  string    `toml:"modules"`
	Listen   []string  `toml:"listen"`
	Status   string    `toml:"status"`
	Apps     []AppConf `toml:"app"`
}

// baseDir picks the directory holding persistent state.  APPVISORDIR wins;
// otherwise root uses /var/lib and everybody else the XDG state directory.
func baseDir() string {
	dir := os.Getenv(EnvBaseDir)
	if dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "windows", "plan9":
		return "."
	}
	if os.Geteuid() == 0 {
		return filepath.Join("/var/lib", defaultName)
	}
	if xdg.StateHome != "" {
		return filepath.Join(xdg.StateHome, defaultName)
	}
	return "."
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	c := Config{}
	c.fill()
	return c
}

func (c *Config) fill() {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.StateDir == "" {
		c.StateDir = baseDir()
	}
	if c.ConfFile == "" {
		c.ConfFile = filepath.Join(c.StateDir, "conf.json")
	}
	if c.User == "" {
		c.User = defaultUser
	}
	if c.Modules == "" {
		c.Modules = filepath.Join(c.StateDir, "modules")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Status == "" {
		c.Status = DefaultStatus
	}
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		c.LogLevel = lvl
	}
}

// LoadConfig reads a TOML configuration file.  A missing file is not an
// error when path is empty.
func LoadConfig(path string) (Config, error) {
	var c Config
	if path != "" {
		md, e := toml.DecodeFile(path, &c)
		if e != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, e)
		}
		if keys := md.Undecoded(); len(keys) != 0 {
			names := make([]string, 0, len(keys))
			for _, k := range keys {
				names = append(names, k.String())
			}
			return Config{}, fmt.Errorf("config %s: unknown keys %s", path,
				strings.Join(names, ", "))
		}
	}
	c.fill()
	return c, nil
}

// ChildEnv returns the environment a child needs to resolve the same
// state directory and log level as this configuration.  A child runs as
// another user, so its defaults would differ.
func (c *Config) ChildEnv() []string {
	return []string{
		EnvBaseDir + "=" + c.StateDir,
		EnvLogLevel + "=" + c.LogLevel,
	}
}

// Level returns the configured log level.
func (c *Config) Level() zerolog.Level {
	lvl, e := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if e != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, e := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); e != nil {
		return fmt.Errorf("log_level %q: %w", c.LogLevel, e)
	}
	for _, s := range c.Listen {
		if _, e := listen.ParseAddr(s); e != nil {
			return fmt.Errorf("listen %q: %w", s, e)
		}
	}
	names := map[string]bool{}
	for i := range c.Apps {
		a := &c.Apps[i]
		if a.Name == "" || names[a.Name] {
			return fmt.Errorf("%w: app %d: missing or duplicate name", ErrBadAppConf, i)
		}
		names[a.Name] = true
	}
	return nil
}
