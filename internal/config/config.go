/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the daemon's TOML configuration file, following
// the teacher's own examples/pkg/config-mgmt/configfile.go pattern:
// built-in defaults overlaid by whatever the file on disk provides, and
// a tolerant "missing file is not fatal" read.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml"
)

type Interfaces struct {
	// AllowList is read from the allow_list key of the configuration
	// file. Nothing in the daemon consults it: Load attaches
	// steering/fast-path programs to any interface the resolver knows.
	AllowList []string `toml:"allow_list"`
}

type Storage struct {
	Root string `toml:"root"`
}

type OCI struct {
	DefaultPullPolicy string `toml:"default_pull_policy"`
}

type Config struct {
	Storage    Storage    `toml:"storage"`
	Interfaces Interfaces `toml:"interfaces"`
	OCI        OCI        `toml:"oci"`
}

const (
	DefaultStorageRoot       = "/var/lib/dispatchd"
	DefaultPullPolicy        = "IfNotPresent"
)

func defaults() Config {
	return Config{
		Storage: Storage{Root: DefaultStorageRoot},
		OCI:     OCI{DefaultPullPolicy: DefaultPullPolicy},
	}
}

// Load reads path and overlays it onto the built-in defaults. A missing
// file is not an error: the daemon runs with defaults, matching the
// teacher's LoadConfig behavior.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
