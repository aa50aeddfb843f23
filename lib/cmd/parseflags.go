// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f on behalf of the subcommand prog and
// reports usage problems on stderr.
//
// Subcommands take their settings from the config file, so
// positional is normally "". Otherwise it is shown after [options]
// in the usage line and operands are left in f.Args().
//
// If ok is false the caller should exit with exitCode: 0 after
// -help, 2 after a usage error. When f has a -config flag, both
// messages say which config file would have been loaded.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch {
	case err == nil && f.NArg() > 0 && positional == "":
		fmt.Fprintf(stderr, "%s: unrecognized command line arguments: %q (try -help)\n", prog, f.Args())
		if hint := configHint(f); hint != "" {
			fmt.Fprintf(stderr, "%s: settings belong in the config file; %s\n", prog, hint)
		}
		return false, 2
	case err == nil:
		return true, 0
	case errors.Is(err, flag.ErrHelp):
		if fs, ok := f.(*flag.FlagSet); ok && fs.Usage != nil {
			fs.SetOutput(stderr)
			fs.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
			f.SetOutput(stderr)
			f.PrintDefaults()
		}
		if hint := configHint(f); hint != "" {
			fmt.Fprintf(stderr, "\n%s\n", hint)
		}
		return false, 0
	default:
		fmt.Fprintf(stderr, "%s: error parsing command line arguments: %s (try -help)\n", prog, err)
		return false, 2
	}
}

// configHint describes the config file f would load, or returns ""
// if f has no -config flag.
func configHint(f FlagSet) string {
	fs, ok := f.(*flag.FlagSet)
	if !ok {
		return ""
	}
	cf := fs.Lookup("config")
	if cf == nil {
		return ""
	}
	path := cf.Value.String()
	if path == "" {
		path = cf.DefValue
	}
	if path == "-" {
		return "config file is read from stdin (-config -)"
	}
	return fmt.Sprintf("config file is %s (set with -config or SLURMBRIDGE_CONFIG)", path)
}
