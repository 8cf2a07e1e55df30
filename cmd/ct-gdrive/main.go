// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

// ct-gdrive is the Google Drive copytool companion for the
// lhsmtool_cmd Lustre/HSM agent. It is launched once per transfer with
// an inherited file descriptor and a FID, and either pushes the bytes
// behind the descriptor to Drive or pulls the archived copy back into
// it. Concurrency comes from the agent running many of these processes
// at once, not from anything in here.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"github.com/intel-hpdd/logging/alert"
	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/stanford-rc/ct-gdrive/copytool"
	"github.com/stanford-rc/ct-gdrive/pkg/gdrive"
	"github.com/stanford-rc/ct-gdrive/pkg/retry"
)

var version string // Set by build environment

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ct-gdrive"
	app.Usage = "Google Drive copytool companion for the lhsmtool_cmd Lustre/HSM agent"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "action",
			Usage: "transfer action (push or pull)",
		},
		cli.IntFlag{
			Name:  "fd",
			Value: -1,
			Usage: "inherited file descriptor carrying the file content",
		},
		cli.StringFlag{
			Name:  "fid",
			Usage: "lustre FID naming the file",
		},
		cli.StringFlag{
			Name:  "lustre-root",
			Usage: "lustre filesystem mount point",
		},
		cli.StringFlag{
			Name:  "gdrive-root",
			Usage: "drive folder ID holding archived objects",
		},
		cli.StringFlag{
			Name:  "creds-dir",
			Usage: "directory containing stored credentials",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "optional defaults file",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "display debug logging to console",
		},
	}
	app.Action = run
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		debug.Enable()
	}

	cfg := &copytoolConfig{}
	if cfgFile := c.String("config"); cfgFile != "" {
		if err := loadConfig(cfgFile, cfg); err != nil {
			alert.Warnf("unable to load %s: %s", cfgFile, err)
			return err
		}
	}
	cfg.mergeFlags(c)
	if err := cfg.checkValid(); err != nil {
		alert.Warn(err)
		return err
	}
	debug.Printf("ct-gdrive configuration:\n%v", cfg)

	// Precondition check: a malformed FID aborts the whole operation
	// before any remote call is attempted.
	fid, err := copytool.CleanFid(c.String("fid"))
	if err != nil {
		alert.Warnf("malformed lustre fid: %q", c.String("fid"))
		return err
	}

	fd := c.Int("fd")
	if fd < 0 {
		return errors.New("missing or invalid --fd")
	}
	file := os.NewFile(uintptr(fd), "lustre:"+fid)
	if file == nil {
		return errors.Errorf("file descriptor %d is not open", fd)
	}
	defer file.Close()

	svc, err := gdrive.NewService(context.Background(), cfg.CredsDir)
	if err != nil {
		alert.Warn(err)
		return err
	}

	store := gdrive.NewStore(svc, retry.NewPolicy(gdrive.Retryable), cfg.chunkSize())
	mover := copytool.New(store, cfg.LustreRoot, cfg.DriveRoot)

	switch action := c.String("action"); action {
	case "push":
		ref, err := mover.Archive(fid, file)
		if err != nil {
			alert.Warnf("push failed for %s: %s", fid, err)
			return err
		}
		audit.Logf("push completed for %s (drive id %s)", fid, ref.ID)
	case "pull":
		if err := mover.Restore(fid, file); err != nil {
			alert.Warnf("pull failed for %s: %s", fid, err)
			return err
		}
		audit.Logf("pull completed for %s", fid)
	default:
		return errors.Errorf("unsupported action: %q", action)
	}
	return nil
}
