// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurmtest provides an in-memory stand-in for a Slurm head
// node: a filesystem reachable through sshpool.Conn, and sbatch,
// sacct, scancel and rm commands that act on it.
package slurmtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/google/shlex"
)

// Job is a job known to a Cluster.
type Job struct {
	ID       int64
	Script   string
	Name     string
	State    string
	ExitCode string
	Elapsed  string
}

// Cluster implements a fake head node. The zero value is not usable;
// call NewCluster.
type Cluster struct {
	// Id assigned to the next submitted job.
	NextJobID int64
	// If non-nil, called before the built-in command handling. If
	// it returns true, its result is used.
	ExecHook func(cmd string) (sshpool.ExecResult, bool)
	// If non-nil, returned by Put.
	PutError error

	mtx      sync.Mutex
	files    map[string][]byte
	modes    map[string]os.FileMode
	dirs     map[string]bool
	jobs     map[int64]*Job
	order    []int64
	commands []string
	puts     []string
	dials    int
}

func NewCluster() *Cluster {
	return &Cluster{
		NextJobID: 1,
		files:     map[string][]byte{},
		modes:     map[string]os.FileMode{},
		dirs:      map[string]bool{},
		jobs:      map[int64]*Job{},
	}
}

// Dial is an sshpool.DialFunc.
func (cl *Cluster) Dial(ctx context.Context) (sshpool.Conn, error) {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	cl.dials++
	return &conn{cluster: cl}, nil
}

// WriteFile creates or replaces a remote file.
func (cl *Cluster) WriteFile(p string, data []byte) {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	cl.files[path.Clean(p)] = append([]byte(nil), data...)
	cl.modes[path.Clean(p)] = 0644
}

// ReadFile returns the content of a remote file.
func (cl *Cluster) ReadFile(p string) ([]byte, bool) {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	data, ok := cl.files[path.Clean(p)]
	return data, ok
}

// Mode returns the permission bits a file was written with.
func (cl *Cluster) Mode(p string) os.FileMode {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	return cl.modes[path.Clean(p)]
}

// Puts returns the destinations of all Put calls, in order.
func (cl *Cluster) Puts() []string {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	return append([]string(nil), cl.puts...)
}

// Commands returns all commands run so far, in order.
func (cl *Cluster) Commands() []string {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	return append([]string(nil), cl.commands...)
}

// Job returns a copy of a submitted job.
func (cl *Cluster) Job(id int64) (Job, bool) {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	j, ok := cl.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Finish sets a job's final state and writes its output files,
// given relative to the job's working directory.
func (cl *Cluster) Finish(id int64, state, exitCode string, outputs map[string]string) error {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	j, ok := cl.jobs[id]
	if !ok {
		return fmt.Errorf("no job %d", id)
	}
	j.State, j.ExitCode = state, exitCode
	workDir := path.Join(path.Dir(j.Script), "files")
	for name, data := range outputs {
		p := path.Join(workDir, name)
		cl.files[p] = []byte(data)
		cl.modes[p] = 0644
	}
	return nil
}

func (cl *Cluster) exec(cmd string) (sshpool.ExecResult, error) {
	cl.mtx.Lock()
	cl.commands = append(cl.commands, cmd)
	hook := cl.ExecHook
	cl.mtx.Unlock()
	if hook != nil {
		if res, ok := hook(cmd); ok {
			return res, nil
		}
	}
	args, err := shlex.Split(cmd)
	if err != nil || len(args) == 0 {
		return result(2, "", fmt.Sprintf("cannot parse command %q\n", cmd)), nil
	}

	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	switch args[0] {
	case "sbatch":
		return cl.sbatch(args[1:]), nil
	case "sacct":
		return cl.sacct(args[1:]), nil
	case "scancel":
		return cl.scancel(args[1:]), nil
	case "rm":
		return cl.rm(args[1:]), nil
	default:
		return result(127, "", args[0]+": command not found\n"), nil
	}
}

func (cl *Cluster) sbatch(args []string) sshpool.ExecResult {
	if len(args) != 1 {
		return result(1, "", "usage: sbatch script\n")
	}
	script, ok := cl.files[path.Clean(args[0])]
	if !ok {
		return result(1, "", fmt.Sprintf("sbatch: error: Unable to open file %s\n", args[0]))
	}
	id := cl.NextJobID
	cl.NextJobID++
	j := &Job{ID: id, Script: path.Clean(args[0]), State: "RUNNING", ExitCode: "0:0", Elapsed: "00:00:42"}
	for _, line := range strings.Split(string(script), "\n") {
		if strings.HasPrefix(line, "#SBATCH --job-name=") {
			j.Name = strings.Trim(strings.TrimPrefix(line, "#SBATCH --job-name="), "'")
		}
	}
	cl.jobs[id] = j
	cl.order = append(cl.order, id)
	return result(0, fmt.Sprintf("Submitted batch job %d\n", id), "")
}

func (cl *Cluster) sacct(args []string) sshpool.ExecResult {
	for _, arg := range args {
		if name := strings.TrimPrefix(arg, "--name="); name != arg {
			var out bytes.Buffer
			for _, id := range cl.order {
				if cl.jobs[id].Name == name {
					fmt.Fprintf(&out, "%d\n", id)
				}
			}
			return result(0, out.String(), "")
		}
	}
	for i, arg := range args {
		if arg == "-j" && i+1 < len(args) {
			id, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return result(1, "", "sacct: error: invalid job id\n")
			}
			j, ok := cl.jobs[id]
			if !ok || j.State == "RUNNING" || j.State == "PENDING" {
				return result(0, "", "")
			}
			return result(0, j.Elapsed+"\n", "")
		}
	}
	var out bytes.Buffer
	for _, id := range cl.order {
		j := cl.jobs[id]
		exit := j.ExitCode
		if j.State == "RUNNING" || j.State == "PENDING" {
			exit = "-"
		}
		fmt.Fprintf(&out, "%d|%s|%s\n", j.ID, j.State, exit)
		fmt.Fprintf(&out, "%d.batch|%s|%s\n", j.ID, j.State, exit)
	}
	return result(0, out.String(), "")
}

func (cl *Cluster) scancel(args []string) sshpool.ExecResult {
	if len(args) != 1 {
		return result(1, "", "usage: scancel id\n")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return result(1, "", "scancel: error: Invalid job id\n")
	}
	j, ok := cl.jobs[id]
	if !ok {
		return result(1, "", fmt.Sprintf("scancel: error: Kill job error on job id %d: Invalid job id specified\n", id))
	}
	if j.State != "RUNNING" && j.State != "PENDING" {
		return result(1, "", fmt.Sprintf("scancel: error: Kill job error on job id %d: Job/step already completing or completed\n", id))
	}
	j.State, j.ExitCode = "CANCELLED", "0:15"
	return result(0, "", "")
}

func (cl *Cluster) rm(args []string) sshpool.ExecResult {
	if len(args) != 2 || args[0] != "-rf" {
		return result(1, "", "usage: rm -rf dir\n")
	}
	dir := path.Clean(args[1])
	for p := range cl.files {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			delete(cl.files, p)
			delete(cl.modes, p)
		}
	}
	for p := range cl.dirs {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			delete(cl.dirs, p)
		}
	}
	return result(0, "", "")
}

func result(code int, stdout, stderr string) sshpool.ExecResult {
	return sshpool.ExecResult{ExitCode: code, Stdout: []byte(stdout), Stderr: []byte(stderr)}
}

// conn is an sshpool.Conn backed by a Cluster.
type conn struct {
	cluster *Cluster
	closed  bool
}

func (c *conn) Exec(ctx context.Context, cmd string) (sshpool.ExecResult, error) {
	return c.cluster.exec(cmd)
}

func (c *conn) Put(ctx context.Context, dst string, r io.Reader, size int64, mode os.FileMode) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("put %s: expected %d bytes, got %d", dst, size, len(data))
	}
	cl := c.cluster
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	if cl.PutError != nil {
		return cl.PutError
	}
	dst = path.Clean(dst)
	cl.files[dst] = data
	cl.modes[dst] = mode
	cl.puts = append(cl.puts, dst)
	for d := path.Dir(dst); d != "/" && d != "."; d = path.Dir(d) {
		cl.dirs[d] = true
	}
	return nil
}

func (c *conn) Get(ctx context.Context, src string, w io.Writer) (int64, error) {
	data, ok := c.cluster.ReadFile(src)
	if !ok {
		return 0, &os.PathError{Op: "open", Path: src, Err: os.ErrNotExist}
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (c *conn) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	cl := c.cluster
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	name = path.Clean(name)
	if data, ok := cl.files[name]; ok {
		return fileInfo{name: path.Base(name), size: int64(len(data)), mode: cl.modes[name]}, nil
	}
	if cl.dirs[name] {
		return fileInfo{name: path.Base(name), mode: os.ModeDir | 0755}, nil
	}
	return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
}

func (c *conn) Glob(ctx context.Context, base, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, doublestar.ErrBadPattern
	}
	cl := c.cluster
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	base = path.Clean(base)
	var matches []string
	for p := range cl.files {
		if !strings.HasPrefix(p, base+"/") {
			continue
		}
		if ok, _ := doublestar.Match(pattern, strings.TrimPrefix(p, base+"/")); ok {
			matches = append(matches, p)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (c *conn) MkdirAll(ctx context.Context, dir string) error {
	cl := c.cluster
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	for d := path.Clean(dir); d != "/" && d != "."; d = path.Dir(d) {
		cl.dirs[d] = true
	}
	return nil
}

func (c *conn) Alive(context.Context) bool { return !c.closed }

func (c *conn) Close() error {
	c.closed = true
	return nil
}

type fileInfo struct {
	name string
	size int64
	mode os.FileMode
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi fileInfo) Sys() interface{}   { return nil }
