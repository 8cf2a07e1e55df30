// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

package testhelpers

import (
	"os"
	"testing"
)

var testPrefix = "ct-gdrive-test"

// TempDir creates a scratch directory and returns it with its cleanup
// function.
func TempDir(t *testing.T) (string, func()) {
	tdir, err := os.MkdirTemp("", testPrefix)
	if err != nil {
		t.Fatal(err)
	}
	return tdir, func() {
		if err := os.RemoveAll(tdir); err != nil {
			t.Fatal(err)
		}
	}
}

// Fill writes size bytes of patterned data to fp.
func Fill(t *testing.T, fp *os.File, size int64) {
	var bs int64 = 1024 * 1024
	buf := make([]byte, bs)
	for i := 0; i < len(buf); i++ {
		buf[i] = byte(i)
	}

	for i := int64(0); i < size; i += bs {
		if size-i < bs {
			bs = size - i
		}
		if _, err := fp.Write(buf[:bs]); err != nil {
			t.Fatal(err)
		}
	}
}

// TempFile creates a file of the given size in the current directory
// and returns its name with a cleanup function.
func TempFile(t *testing.T, size int64) (string, func()) {
	fp, err := os.CreateTemp(".", testPrefix)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()

	if size > 0 {
		Fill(t, fp, size)
	}
	name := fp.Name()
	return name, func() {
		if err := os.Remove(name); err != nil {
			t.Fatal(err)
		}
	}
}

// CopyFile copies src to dest with the given mode.
func CopyFile(t *testing.T, src string, dest string, mode os.FileMode) {
	buf, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, buf, mode); err != nil {
		t.Fatal(err)
	}
}

// TempCopy copies src into a fresh temp file with the given mode and
// returns the copy's name with a cleanup function.
func TempCopy(t *testing.T, src string, mode os.FileMode) (string, func()) {
	tmpFile, cleanup := TempFile(t, 0)
	CopyFile(t, src, tmpFile, mode)

	/* ensure file has correct mode, in case we're overwriting */
	if err := os.Chmod(tmpFile, mode); err != nil {
		t.Fatal(err)
	}

	return tmpFile, cleanup
}
