// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

// ct-gdrive-oauth2 performs the one-time OAuth2 authorization flow and
// stores the resulting credentials for the ct-gdrive copytool. The
// copytool itself never authorizes interactively; run this tool first
// on the agent node.
package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"gopkg.in/urfave/cli.v1"

	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/stanford-rc/ct-gdrive/pkg/gdrive"
)

var version string // Set by build environment

func main() {
	app := cli.NewApp()
	app.Name = "ct-gdrive-oauth2"
	app.Usage = "store OAuth2 credentials for the ct-gdrive copytool"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "client-secret",
			Usage: "OAuth2 client secret file",
		},
		cli.StringFlag{
			Name:  "creds-dir",
			Usage: "directory to store credentials in",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "display debug logging to console",
		},
	}
	app.Action = authorize
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func authorize(c *cli.Context) error {
	if c.Bool("debug") {
		debug.Enable()
	}

	secretFile := c.String("client-secret")
	credsDir := c.String("creds-dir")
	if secretFile == "" || credsDir == "" {
		return errors.New("--client-secret and --creds-dir are required")
	}

	if creds, err := gdrive.ReadCredentials(credsDir); err == nil && creds.Usable() {
		audit.Logf("stored credentials at %s are still valid", gdrive.CredsPath(credsDir))
		return nil
	}

	raw, err := ioutil.ReadFile(secretFile)
	if err != nil {
		return errors.Wrap(err, "read client secret failed")
	}

	// drive.file is per-file access to files created or opened by
	// the copytool
	conf, err := google.ConfigFromJSON(raw, drive.DriveFileScope)
	if err != nil {
		return errors.Wrap(err, "parse client secret failed")
	}

	tok, err := exchangeCode(conf)
	if err != nil {
		return err
	}

	creds := &gdrive.Credentials{
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
		Token:        tok,
	}
	if err := gdrive.WriteCredentials(credsDir, creds); err != nil {
		return err
	}

	audit.Logf("storing credentials to %s", gdrive.CredsPath(credsDir))
	return nil
}

// exchangeCode walks the user through the out-of-band authorization
// flow; no local web server is run.
func exchangeCode(conf *oauth2.Config) (*oauth2.Token, error) {
	authURL := conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the authorization code:\n%v\n", authURL)

	var code string
	if _, err := fmt.Scan(&code); err != nil {
		return nil, errors.Wrap(err, "read authorization code failed")
	}

	tok, err := conf.Exchange(context.Background(), code)
	return tok, errors.Wrap(err, "token exchange failed")
}
