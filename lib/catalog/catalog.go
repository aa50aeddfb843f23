// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package catalog loads application and tool descriptions from a
// YAML file.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// File is the on-disk catalog format.
type File struct {
	Tools        []jobs.Tool        `json:"tools"`
	Applications []jobs.Application `json:"applications"`
}

// Catalog is a read-only, reloadable set of applications and tools.
// It is safe for concurrent use.
type Catalog struct {
	path   string
	logger logrus.FieldLogger

	mtx   sync.RWMutex
	apps  map[jobs.NameAndVersion]*jobs.Application
	tools map[jobs.NameAndVersion]*jobs.Tool
}

// Load reads the catalog file at path.
func Load(path string, logger logrus.FieldLogger) (*Catalog, error) {
	cat := &Catalog{path: path, logger: logger.WithField("Catalog", path)}
	if err := cat.Reload(); err != nil {
		return nil, err
	}
	return cat, nil
}

// New returns a catalog with the given contents, which is not backed
// by a file.
func New(f File) (*Catalog, error) {
	cat := &Catalog{logger: logrus.StandardLogger()}
	apps, tools, err := index(f)
	if err != nil {
		return nil, err
	}
	cat.apps, cat.tools = apps, tools
	return cat, nil
}

// Reload re-reads the catalog file. If the new file is invalid, the
// current contents are kept and an error is returned.
func (cat *Catalog) Reload() error {
	if cat.path == "" {
		return nil
	}
	buf, err := os.ReadFile(cat.path)
	if err != nil {
		return fmt.Errorf("couldn't read catalog file %q: %w", cat.path, err)
	}
	var f File
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return fmt.Errorf("couldn't parse catalog file %q: %w", cat.path, err)
	}
	apps, tools, err := index(f)
	if err != nil {
		return fmt.Errorf("%s: %w", cat.path, err)
	}
	cat.mtx.Lock()
	cat.apps, cat.tools = apps, tools
	cat.mtx.Unlock()
	cat.logger.WithFields(logrus.Fields{
		"Applications": len(apps),
		"Tools":        len(tools),
	}).Info("loaded catalog")
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is
// done.
func (cat *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory rather than the file, so replacing the
	// file by rename is noticed.
	if err := watcher.Add(filepath.Dir(cat.path)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cat.logger.WithError(err).Warn("catalog file watcher error")
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(cat.path) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				for len(watcher.Events) > 0 {
					<-watcher.Events
				}
				if err := cat.Reload(); err != nil {
					cat.logger.WithError(err).Error("catalog reload failed, keeping previous version")
				}
			}
		}
	}()
	return nil
}

// FindApplication returns the named application and its tool. An
// unknown application is a NotFound *jobs.Error.
func (cat *Catalog) FindApplication(nv jobs.NameAndVersion) (*jobs.Application, *jobs.Tool, error) {
	cat.mtx.RLock()
	defer cat.mtx.RUnlock()
	app, ok := cat.apps[nv]
	if !ok {
		return nil, nil, jobs.Errorf(jobs.NotFound, "application %s not found", nv)
	}
	return app, cat.tools[app.Tool], nil
}

// FindTool returns the named tool.
func (cat *Catalog) FindTool(nv jobs.NameAndVersion) (*jobs.Tool, error) {
	cat.mtx.RLock()
	defer cat.mtx.RUnlock()
	tool, ok := cat.tools[nv]
	if !ok {
		return nil, jobs.Errorf(jobs.NotFound, "tool %s not found", nv)
	}
	return tool, nil
}

// Applications returns all applications, sorted by name and version.
func (cat *Catalog) Applications() []jobs.NameAndVersion {
	cat.mtx.RLock()
	defer cat.mtx.RUnlock()
	var list []jobs.NameAndVersion
	for nv := range cat.apps {
		list = append(list, nv)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].String() < list[j].String()
	})
	return list
}

var paramNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var parameterTypes = map[jobs.ParameterType]bool{
	jobs.InputFile:     true,
	jobs.OutputFile:    true,
	jobs.Text:          true,
	jobs.Integer:       true,
	jobs.FloatingPoint: true,
}

func index(f File) (map[jobs.NameAndVersion]*jobs.Application, map[jobs.NameAndVersion]*jobs.Tool, error) {
	tools := map[jobs.NameAndVersion]*jobs.Tool{}
	for i := range f.Tools {
		tool := &f.Tools[i]
		if tool.Info.Name == "" || tool.Info.Version == "" {
			return nil, nil, fmt.Errorf("tool #%d: name and version are required", i)
		}
		if _, dup := tools[tool.Info]; dup {
			return nil, nil, fmt.Errorf("duplicate tool %s", tool.Info)
		}
		tools[tool.Info] = tool
	}
	apps := map[jobs.NameAndVersion]*jobs.Application{}
	for i := range f.Applications {
		app := &f.Applications[i]
		if app.Info.Name == "" || app.Info.Version == "" {
			return nil, nil, fmt.Errorf("application #%d: name and version are required", i)
		}
		if _, dup := apps[app.Info]; dup {
			return nil, nil, fmt.Errorf("duplicate application %s", app.Info)
		}
		if err := checkApplication(app, tools); err != nil {
			return nil, nil, fmt.Errorf("application %s: %w", app.Info, err)
		}
		apps[app.Info] = app
	}
	return apps, tools, nil
}

func checkApplication(app *jobs.Application, tools map[jobs.NameAndVersion]*jobs.Tool) error {
	if _, ok := tools[app.Tool]; !ok {
		return fmt.Errorf("unknown tool %s", app.Tool)
	}
	if words, err := shlex.Split(app.Invocation); err != nil {
		return fmt.Errorf("invocation: %w", err)
	} else if len(words) == 0 {
		return fmt.Errorf("invocation is empty")
	}
	seen := map[string]bool{}
	for _, p := range app.Parameters {
		if !paramNameRegexp.MatchString(p.Name) {
			return fmt.Errorf("invalid parameter name %q", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if !parameterTypes[p.Type] {
			return fmt.Errorf("parameter %q: unsupported type %q", p.Name, p.Type)
		}
	}
	for _, pattern := range app.OutputFileGlobs {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid output file glob %q", pattern)
		}
	}
	return nil
}
