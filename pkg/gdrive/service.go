// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

package gdrive

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// CredsFileName is the fixed name of the stored-credentials file inside
// the configured credentials directory. The file is written by
// ct-gdrive-oauth2 and only ever read by the copytool.
const CredsFileName = "ct_gdrive_creds.json"

// ErrUnauthorized indicates that no valid stored credentials are
// available. The copytool never runs an interactive authorization flow;
// run ct-gdrive-oauth2 to store new credentials.
var ErrUnauthorized = errors.New("unauthorized access")

// Credentials is the OAuth2 token material persisted by ct-gdrive-oauth2.
type Credentials struct {
	ClientID     string        `json:"client_id"`
	ClientSecret string        `json:"client_secret"`
	Token        *oauth2.Token `json:"token"`
}

// Usable reports whether the stored token can still authorize requests,
// either directly or via refresh.
func (c *Credentials) Usable() bool {
	if c.Token == nil {
		return false
	}
	return c.Token.Valid() || c.Token.RefreshToken != ""
}

// CredsPath returns the full path of the stored-credentials file.
func CredsPath(credsDir string) string {
	return filepath.Join(credsDir, CredsFileName)
}

// ReadCredentials loads stored credentials from credsDir.
func ReadCredentials(credsDir string) (*Credentials, error) {
	raw, err := ioutil.ReadFile(CredsPath(credsDir))
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	creds := &Credentials{}
	if err := json.Unmarshal(raw, creds); err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	return creds, nil
}

// WriteCredentials persists credentials for later use by NewService.
// The file must stay private to the copytool user.
func WriteCredentials(credsDir string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal credentials failed")
	}
	if err := ioutil.WriteFile(CredsPath(credsDir), data, 0600); err != nil {
		return errors.Wrap(err, "write credentials failed")
	}
	return nil
}

// NewService returns a Drive service authorized with previously stored
// credentials. Both interactive OAuth2 token material and service
// account keys are accepted.
func NewService(ctx context.Context, credsDir string) (*drive.Service, error) {
	client, err := authorizedClient(ctx, credsDir)
	if err != nil {
		return nil, err
	}
	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	return svc, errors.Wrap(err, "create drive service failed")
}

func authorizedClient(ctx context.Context, credsDir string) (*http.Client, error) {
	raw, err := ioutil.ReadFile(CredsPath(credsDir))
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	if probe.Type == "service_account" {
		conf, err := google.JWTConfigFromJSON(raw, drive.DriveFileScope)
		if err != nil {
			return nil, errors.Wrap(err, "parse service account key failed")
		}
		return conf.Client(ctx), nil
	}

	creds := &Credentials{}
	if err := json.Unmarshal(raw, creds); err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	if !creds.Usable() {
		return nil, errors.Wrap(ErrUnauthorized, "stored credentials are missing or expired")
	}
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	return conf.Client(ctx, creds.Token), nil
}
