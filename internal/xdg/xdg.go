// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xdg provides functions for locating per-user configuration and
// runtime files across platforms.
package xdg

import (
	"os"
	"path/filepath"
	"syscall"
)

// ConfigFile returns the path to the named file of the application found
// first in the list of config directories obtained from ConfigHome and
// ConfigDirs. If no file is found ConfigFile returns ENOENT.
func ConfigFile(app, name string) (string, error) {
	return find(filepath.Join(app, name),
		key_XDG_CONFIG_HOME, def_XDG_CONFIG_HOME,
		key_XDG_CONFIG_DIRS, def_XDG_CONFIG_DIRS,
		_HOME)
}

// ConfigHome returns the path corresponding to XDG_CONFIG_HOME.
func ConfigHome() (string, bool) {
	return envOrDefault(key_XDG_CONFIG_HOME, def_XDG_CONFIG_HOME, _HOME)
}

// ConfigDirs returns the path list corresponding to XDG_CONFIG_DIRS.
func ConfigDirs() (string, bool) {
	return envOrDefault(key_XDG_CONFIG_DIRS, def_XDG_CONFIG_DIRS, "")
}

// RuntimeDir returns the path corresponding to XDG_RUNTIME_DIR.
func RuntimeDir() (string, bool) {
	return envOrDefault(key_XDG_RUNTIME_DIR, def_XDG_RUNTIME_DIR, _HOME)
}

// StateHome returns the path corresponding to XDG_STATE_HOME.
func StateHome() (string, bool) {
	return envOrDefault(key_XDG_STATE_HOME, def_XDG_STATE_HOME, _HOME)
}

// RuntimeFile returns a path for the named runtime file of the
// application, creating the application's directory if necessary. The
// runtime directory is used if it is available, otherwise the state
// directory is used.
func RuntimeFile(app, name string) (string, error) {
	base, ok := RuntimeDir()
	if !ok {
		base, ok = StateHome()
		if !ok {
			return "", syscall.ENOENT
		}
	}
	dir := filepath.Join(base, app)
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// find returns the path to the named file found first in the keyed local
// directory or default, and then the list of paths in the keyed global
// environment variable or default, prepending home where necessary.
func find(name, keyLocal, defLocal, keyGlobal, defGlobal, home string) (string, error) {
	base, ok := envOrDefault(keyLocal, defLocal, home)
	if ok {
		path := filepath.Join(base, name)
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
	}
	list, ok := envOrDefault(keyGlobal, defGlobal, "")
	if !ok {
		return "", syscall.ENOENT
	}
	for _, base := range filepath.SplitList(list) {
		path := filepath.Join(base, name)
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
	}
	return "", syscall.ENOENT
}

// envOrDefault return the path or path list corresponding to the provided
// key and default. If home is not empty, the default is treated as an absolute
// path or path list and returned unaltered, otherwise the default is returned
// relative to home.
func envOrDefault(key, def, home string) (string, bool) {
	if key != "" {
		val, ok := os.LookupEnv(key)
		if ok {
			return val, true
		}
	}
	if def == "" {
		return "", false
	}
	if home == "" || filepath.IsAbs(def) {
		return def, true
	}
	base, ok := os.LookupEnv(home)
	if !ok {
		return "", false
	}
	return filepath.Join(base, def), true
}
