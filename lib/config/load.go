// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var ErrNoConfig = errors.New("config file is empty")

// Loader reads the site config file on top of DefaultYAML and applies
// environment overrides.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger
	// Config file path, or "-" for Stdin.
	Path string
	// Lookup function for environment overrides. Defaults to
	// os.Getenv.
	Getenv func(string) string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger, Getenv: os.Getenv}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/slurmbridge/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	defaultPath := DefaultConfigFile
	if ldr.Getenv != nil {
		if p := ldr.Getenv("SLURMBRIDGE_CONFIG"); p != "" {
			defaultPath = p
		}
	}
	flagset.StringVar(&ldr.Path, "config", defaultPath, "Site configuration `file` (default may be overridden by setting a SLURMBRIDGE_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Load reads and validates the configuration.
func (ldr *Loader) Load() (*Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*Config, error) {
	if len(strings.TrimSpace(string(buf))) == 0 {
		return nil, ErrNoConfig
	}
	// Check for keys that aren't in the default config.
	var supplied, expected map[string]interface{}
	if err := yaml.Unmarshal(buf, &supplied); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(DefaultYAML, &expected); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}
	ldr.logExtraKeys(expected, supplied, "")

	var cfg Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	if err := mergo.Merge(&cfg, ldr.envOverrides(), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envOverrides returns a partial Config with the secrets that can be
// supplied through the environment instead of the config file.
func (ldr *Loader) envOverrides() Config {
	var env Config
	getenv := ldr.Getenv
	if getenv == nil {
		return env
	}
	env.SSH.Password = getenv("SLURMBRIDGE_SSH_PASSWORD")
	env.Management.Token = getenv("SLURMBRIDGE_MANAGEMENT_TOKEN")
	if pw := getenv("SLURMBRIDGE_PGPASSWORD"); pw != "" {
		env.EventLog.PostgreSQL = PostgreSQLConnection{"password": pw}
	}
	return env
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			for ek := range expected {
				if strings.EqualFold(k, ek) {
					ldr.Logger.Warnf("config key %q should be spelled %q", prefix+k, prefix+ek)
					ok = true
				}
			}
			if !ok {
				ldr.Logger.Warnf("unused config key %q", prefix+k)
			}
			continue
		}
		if prefix+k == "EventLog.PostgreSQL" {
			// arbitrary libpq parameters
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s", prefix+k)
		} else {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

// Check returns an error if the configuration is unusable.
func (cfg *Config) Check() error {
	var errs []string
	if cfg.SSH.Host == "" {
		errs = append(errs, "SSH.Host is empty")
	}
	if cfg.SSH.User == "" {
		errs = append(errs, "SSH.User is empty")
	}
	if cfg.SSH.PoolSize < 1 {
		errs = append(errs, fmt.Sprintf("SSH.PoolSize %d is less than 1", cfg.SSH.PoolSize))
	}
	if cfg.Slurm.PollInterval <= 0 {
		errs = append(errs, "Slurm.PollInterval must be positive")
	}
	if cfg.Slurm.ConcurrentCompletions < 1 {
		errs = append(errs, "Slurm.ConcurrentCompletions must be at least 1")
	}
	if _, err := cfg.Slurm.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("Slurm.TimeZone: %s", err))
	}
	switch cfg.Storage.Driver {
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			errs = append(errs, "Storage.S3.Bucket is empty")
		}
	case "directory":
		if cfg.Storage.Directory.Root == "" {
			errs = append(errs, "Storage.Directory.Root is empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown Storage.Driver %q", cfg.Storage.Driver))
	}
	switch cfg.EventLog.Driver {
	case "memory", "postgresql":
	default:
		errs = append(errs, fmt.Sprintf("unknown EventLog.Driver %q", cfg.EventLog.Driver))
	}
	if (cfg.Management.TLS.Certificate == "") != (cfg.Management.TLS.Key == "") {
		errs = append(errs, "Management.TLS.Certificate and Management.TLS.Key must be set together")
	}
	if cfg.EventLog.Workers < 1 {
		errs = append(errs, "EventLog.Workers must be at least 1")
	}
	if cfg.EventLog.BatchSize < 1 {
		errs = append(errs, "EventLog.BatchSize must be at least 1")
	}
	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}
