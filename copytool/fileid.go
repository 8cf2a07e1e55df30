// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

package copytool

import (
	"regexp"

	"github.com/pkg/errors"
)

// fidPattern matches a Lustre FID in its canonical textual form, three
// colon-separated hex components, optionally enclosed in brackets.
var fidPattern = regexp.MustCompile(`^\[?(0x[0-9a-fA-F]+:0x[0-9a-fA-F]+:0x[0-9a-fA-F]+)\]?$`)

// ErrMalformedFid indicates that a caller-supplied FID string does not
// have the canonical form.
var ErrMalformedFid = errors.New("malformed lustre fid")

// CleanFid validates a caller-supplied FID string and returns it with
// any enclosing brackets stripped. The cleaned string is used verbatim
// as the Drive object name, so the caller's spelling is preserved.
func CleanFid(raw string) (string, error) {
	m := fidPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", errors.Wrap(ErrMalformedFid, raw)
	}
	return m[1], nil
}
