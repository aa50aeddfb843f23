// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
)

// ExportYAML writes the config to w with secret values replaced by
// "xxxxx".
func ExportYAML(w io.Writer, cfg *Config) error {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	err = json.Unmarshal(buf, &m)
	if err != nil {
		return err
	}
	err = redactUnsafe(m, "", "")
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// whitelist classifies config entries as safe to print.
//
// Every config entry must either be listed explicitly here along with
// all of its parent keys, or have an ancestor listed as false.
// Otherwise, it is a bug which should be caught by tests.
var whitelist = map[string]bool{
	// | sort -t'"' -k2,2
	"Catalog":                      true,
	"Catalog.ApplicationsFile":     true,
	"Catalog.Watch":                true,
	"EventLog":                     true,
	"EventLog.BatchSize":           true,
	"EventLog.ConnectionPool":      true,
	"EventLog.ConsumerGroup":       true,
	"EventLog.Driver":              true,
	"EventLog.PollInterval":        true,
	"EventLog.PostgreSQL":          true,
	"EventLog.PostgreSQL.*":        true,
	"EventLog.PostgreSQL.password": false,
	"EventLog.Workers":             true,
	"EventLog.RetryDelay":          true,
	"EventLog.MaxRetryDelay":       true,
	"Management":                   true,
	"Management.Listen":            true,
	"Management.RequestTimeout":    true,
	"Management.TLS":               true,
	"Management.TLS.Certificate":   true,
	"Management.TLS.Key":           true,
	"Management.Token":             false,
	"SSH":                          true,
	"SSH.ChannelCloseTimeout":      true,
	"SSH.DialTimeout":              true,
	"SSH.Host":                     true,
	"SSH.InsecureIgnoreHostKey":    true,
	"SSH.KnownHostsFile":           true,
	"SSH.Password":                 false,
	"SSH.PoolSize":                 true,
	"SSH.Port":                     true,
	"SSH.PrivateKeyFile":           true,
	"SSH.User":                     true,
	"Slurm":                        true,
	"Slurm.CleanupAfterCompletion": true,
	"Slurm.ConcurrentCompletions":  true,
	"Slurm.ContainerCommand":       true,
	"Slurm.InitialLookback":        true,
	"Slurm.PollInterval":           true,
	"Slurm.PollSlack":              true,
	"Slurm.ProjectRoot":            true,
	"Slurm.ReportFailedStates":     true,
	"Slurm.SbatchArguments":        true,
	"Slurm.TimeZone":               true,
	"Storage":                      true,
	"Storage.ClientCacheSize":      true,
	"Storage.Directory":            true,
	"Storage.Directory.Root":       true,
	"Storage.Driver":               true,
	"Storage.S3":                   true,
	"Storage.S3.AccessKeyID":       true,
	"Storage.S3.Bucket":            true,
	"Storage.S3.Endpoint":          true,
	"Storage.S3.Prefix":            true,
	"Storage.S3.Region":            true,
	"Storage.S3.SecretAccessKey":   false,
	"Storage.S3.UploadPartSize":    true,
	"Storage.S3.UsePathStyle":      true,
	"SystemLogs":                   true,
	"SystemLogs.Format":            true,
	"SystemLogs.LogLevel":          true,
}

func redactUnsafe(m map[string]interface{}, mPrefix, lookupPrefix string) error {
	var errs []string
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		lookupKey := k
		safe, ok := whitelist[lookupPrefix+k]
		if !ok {
			lookupKey = "*"
			safe, ok = whitelist[lookupPrefix+"*"]
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("config bug: key %q not in whitelist map", lookupPrefix+k))
			continue
		}
		if !safe {
			if s, ok := v.(string); ok && s != "" {
				m[k] = "xxxxx"
			}
			continue
		}
		if v, ok := v.(map[string]interface{}); ok {
			err := redactUnsafe(v, mPrefix+k+".", lookupPrefix+lookupKey+".")
			if err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	return nil
}
