// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

package gdrive

import (
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// Retryable classifies a failed remote call for the retry policy.
// Errors carrying a structured Drive status code are fatal unless the
// code is the rate/quota code (403) or in the server-error range.
// Network-level failures, including malformed HTTP responses, are
// always worth retrying. Anything else re-raises immediately.
func Retryable(err error) bool {
	cause := errors.Cause(err)

	if apiErr, ok := cause.(*googleapi.Error); ok {
		return apiErr.Code == http.StatusForbidden ||
			apiErr.Code >= http.StatusInternalServerError
	}
	if cause == io.ErrUnexpectedEOF {
		return true
	}
	if _, ok := cause.(*url.Error); ok {
		return true
	}
	if _, ok := cause.(net.Error); ok {
		return true
	}
	return false
}
