// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultConfigFile is the config path used when neither -config nor
// $SLURMBRIDGE_CONFIG is given.
const DefaultConfigFile = "/etc/slurmbridge/config.yml"

// Config is the bridge's site configuration. Field names are the YAML
// keys.
type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}
	Management struct {
		Listen string
		// Bearer token for the lookup API, /metrics and
		// /_health. Empty disables those endpoints.
		Token string
		// Serve HTTPS using these PEM files if both are set.
		// The files are re-read on SIGHUP.
		TLS struct {
			Certificate string
			Key         string
		}
		// Limit on request handling time.
		RequestTimeout Duration
	}
	SSH      SSHConfig
	Slurm    SlurmConfig
	Storage  StorageConfig
	Catalog  CatalogConfig
	EventLog EventLogConfig
}

type SSHConfig struct {
	Host string
	Port int
	User string
	// Exactly one of PrivateKeyFile and Password is normally set.
	PrivateKeyFile string
	Password       string
	KnownHostsFile string
	// Accept any host key. For test clusters only.
	InsecureIgnoreHostKey bool

	PoolSize            int
	DialTimeout         Duration
	ChannelCloseTimeout Duration
}

// Addr returns host:port.
func (sc SSHConfig) Addr() string {
	return fmt.Sprintf("%s:%d", sc.Host, sc.Port)
}

type SlurmConfig struct {
	// Remote directory holding one subdirectory per job. If
	// empty, /home/{SSH.User}/projects.
	ProjectRoot string

	PollInterval Duration
	// Subtracted from the last successful poll time when building
	// the sacct window.
	PollSlack Duration
	// How far back the first poll after startup looks.
	InitialLookback Duration
	// Zone used to format sacct -S timestamps; should match the
	// remote host's TZ.
	TimeZone string

	ReportFailedStates     bool
	SbatchArguments        []string
	ConcurrentCompletions  int
	CleanupAfterCompletion bool
	// Command used to run a tool's container image, e.g.
	// "singularity run".
	ContainerCommand string
}

// ProjectDir returns the configured project root, or the default
// under the SSH user's home directory.
func (sc SlurmConfig) ProjectDir(sshUser string) string {
	if sc.ProjectRoot != "" {
		return sc.ProjectRoot
	}
	return "/home/" + sshUser + "/projects"
}

// Location returns the configured time zone, or UTC.
func (sc SlurmConfig) Location() (*time.Location, error) {
	if sc.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(sc.TimeZone)
}

type StorageConfig struct {
	// "s3" or "directory".
	Driver string
	S3     struct {
		Bucket          string
		Region          string
		Endpoint        string
		AccessKeyID     string
		SecretAccessKey string
		UsePathStyle    bool
		// Objects for user U are stored under
		// {Prefix}{U}/.
		Prefix         string
		UploadPartSize int64
	}
	Directory struct {
		Root string
	}
	// Number of per-principal clients to keep.
	ClientCacheSize int
}

type CatalogConfig struct {
	ApplicationsFile string
	// Reload the catalog when the file changes.
	Watch bool
}

type EventLogConfig struct {
	// "memory" or "postgresql".
	Driver         string
	PostgreSQL     PostgreSQLConnection
	ConnectionPool int
	// Records fetched per read.
	BatchSize int
	// Concurrent keyed workers per consumer.
	Workers int
	// Consumer group name used for committed offsets.
	ConsumerGroup string
	// Fallback re-read interval in case a notification is lost.
	PollInterval Duration
	// Backoff between attempts to handle a request that failed
	// for a transient reason (event log or cluster unreachable).
	RetryDelay    Duration
	MaxRetryDelay Duration
}

// PostgreSQLConnection holds libpq connection parameters, like
// {host: localhost, dbname: slurmbridge}.
type PostgreSQLConnection map[string]string

// String returns a libpq connection string.
func (c PostgreSQLConnection) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		v := c[k]
		if v == "" {
			continue
		}
		v = strings.Replace(v, `\`, `\\`, -1)
		v = strings.Replace(v, `'`, `\'`, -1)
		s += k + "='" + v + "' "
	}
	return strings.TrimSpace(s)
}

// Duration is time.Duration but looks like "12s" in YAML/JSON,
// rather than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		dur, err := time.ParseDuration(s)
		*d = Duration(dur)
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
