// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"flag"
	"regexp"
	"strings"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExportSuite{})

type ExportSuite struct{}

func newFlagSet() *flag.FlagSet {
	return flag.NewFlagSet("", flag.ContinueOnError)
}

func (s *ExportSuite) TestExport(c *check.C) {
	cfg, err := testLoader(c, `
SSH: {Host: hpc.example, Password: sshsecret}
Management: {Token: abcdefg}
Storage: {S3: {SecretAccessKey: s3secret}}
EventLog: {PostgreSQL: {password: pgsecret}}
`, nil, nil).Load()
	c.Assert(err, check.IsNil)

	var exported bytes.Buffer
	err = ExportYAML(&exported, cfg)
	c.Check(err, check.IsNil)
	if err != nil {
		c.Logf("If all the new keys are safe, add these to whitelist in export.go:")
		for _, k := range regexp.MustCompile(`"[^"]*"`).FindAllString(err.Error(), -1) {
			c.Logf("\t%q: true,", strings.Replace(k, `"`, "", -1))
		}
	}
	for _, secret := range []string{"sshsecret", "abcdefg", "s3secret", "pgsecret"} {
		c.Check(exported.String(), check.Not(check.Matches), `(?ms).*`+secret+`.*`)
	}
	c.Check(exported.String(), check.Matches, `(?ms).*Host: hpc.example.*`)
	c.Check(exported.String(), check.Matches, `(?ms).*Token: xxxxx.*`)
}
