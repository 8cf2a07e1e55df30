// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"strings"

	"github.com/hashicorp/hcl"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"
)

// copytoolConfig carries the invocation settings. Site-wide defaults
// may come from an optional HCL file; explicit command line flags win.
type copytoolConfig struct {
	LustreRoot  string `hcl:"lustre_root"`
	DriveRoot   string `hcl:"gdrive_root"`
	CredsDir    string `hcl:"creds_dir"`
	ChunkSizeMb int    `hcl:"chunk_size_mb"`
}

func (c *copytoolConfig) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return err.Error()
	}

	var out bytes.Buffer
	json.Indent(&out, data, "", "\t")
	return out.String()
}

// loadConfig reads a defaults file and decodes it into cfg.
func loadConfig(cfgFile string, cfg *copytoolConfig) error {
	// Ensure config file is private
	fi, err := os.Stat(cfgFile)
	if err != nil {
		return errors.Wrap(err, "stat config file failed")
	}
	if (int(fi.Mode()) & 077) != 0 {
		return errors.New("config file permissions are insecure")
	}

	data, err := ioutil.ReadFile(cfgFile)
	if err != nil {
		return errors.Wrap(err, "read config file failed")
	}

	if err := hcl.Decode(cfg, string(data)); err != nil {
		return errors.Wrap(err, "decode config file failed")
	}

	return nil
}

// mergeFlags overlays explicit command line flags onto cfg.
func (c *copytoolConfig) mergeFlags(ctx *cli.Context) {
	if v := ctx.String("lustre-root"); v != "" {
		c.LustreRoot = v
	}
	if v := ctx.String("gdrive-root"); v != "" {
		c.DriveRoot = v
	}
	if v := ctx.String("creds-dir"); v != "" {
		c.CredsDir = v
	}
}

// checkValid determines if the merged configuration is a usable one.
func (c *copytoolConfig) checkValid() error {
	var errs []string

	if c.LustreRoot == "" {
		errs = append(errs, "lustre root not set")
	}
	if c.DriveRoot == "" {
		errs = append(errs, "gdrive root not set")
	}
	if c.CredsDir == "" {
		errs = append(errs, "credentials directory not set")
	}

	if len(errs) > 0 {
		return errors.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

// chunkSize converts the configured size to bytes; zero selects the
// store default.
func (c *copytoolConfig) chunkSize() int {
	return c.ChunkSizeMb * 1024 * 1024
}
