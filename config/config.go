// Package config resolves the engine's build-time configuration: the
// state directory, log verbosity, and the two implicit-dependency
// roots the sandbox needs (BASH_PATH, COREUTILS_PATH).
//
// Resolution order for BASH_PATH/COREUTILS_PATH: the INI file's [paths]
// section, then the SNOWFLAKE_BASH_PATH/SNOWFLAKE_COREUTILS_PATH
// environment variables, then the unprefixed BASH_PATH/COREUTILS_PATH
// names, then failure -- these have no sane default,
// and a silently-missing implicit dependency would produce a sandbox
// whose bin/sh or usr/bin/env point nowhere.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Config is the resolved, validated configuration for one engine
// instance.
type Config struct {
	StateDir      string
	BashPath      string
	CoreutilsPath string
	LogLevel      string
}

// defaultLogLevel is the engine's own default verbosity.
const defaultLogLevel = "info"

// Load reads an INI file at path (if it exists; a missing file is not
// an error, since environment variables may supply everything) and
// resolves a Config. stateDir is required explicitly rather than read
// from the file, since it is usually a command-line argument in any
// real caller (CLI argument parsing proper is out of scope for this
// package).
func Load(path, stateDir string) (*Config, error) {
	cfg := &Config{StateDir: stateDir, LogLevel: defaultLogLevel}

	var file *ini.File
	if _, err := os.Stat(path); err == nil {
		file, err = ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	} else {
		file = ini.Empty()
	}

	paths := file.Section("paths")
	cfg.BashPath = firstNonEmpty(paths.Key("bash_path").String(),
		os.Getenv("SNOWFLAKE_BASH_PATH"), os.Getenv("BASH_PATH"))
	cfg.CoreutilsPath = firstNonEmpty(paths.Key("coreutils_path").String(),
		os.Getenv("SNOWFLAKE_COREUTILS_PATH"), os.Getenv("COREUTILS_PATH"))

	if level := file.Section("log").Key("level").String(); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every required field was resolved: required-
// directory and required-setting checks, not a structural schema
// validator.
func (c *Config) Validate() error {
	if c.BashPath == "" {
		return fmt.Errorf("config: BASH_PATH not set (expected [paths] bash_path= or $SNOWFLAKE_BASH_PATH)")
	}
	if c.CoreutilsPath == "" {
		return fmt.Errorf("config: COREUTILS_PATH not set (expected [paths] coreutils_path= or $SNOWFLAKE_COREUTILS_PATH)")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state directory not set")
	}
	return nil
}

// IndexPath is the path of the bbolt installed-output index under the
// state directory.
func (c *Config) IndexPath() string {
	return filepath.Join(c.StateDir, "index.db")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
