// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/escience-bridge/slurmbridge/lib/bridge"
	"github.com/escience-bridge/slurmbridge/lib/cmd"
	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/escience-bridge/slurmbridge/lib/diagnostics"
	"github.com/escience-bridge/slurmbridge/lib/selfsigned"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"bridge":          bridge.Command,
		"submit":          bridge.SubmitCommand,
		"views":           bridge.ViewsCommand,
		"config-dump":     config.DumpCommand,
		"diagnostics":     diagnostics.Command{},
		"selfsigned-cert": selfsigned.Command,
	})
)

func main() {
	cmd.Main(handler)
}
