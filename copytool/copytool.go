// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

// Package copytool implements the archive (push) and restore (pull)
// coordinators of the Google Drive copytool companion for the
// lhsmtool_cmd Lustre/HSM agent. A Mover moves the bytes behind one
// inherited file descriptor between Lustre and the remote store,
// keyed by FID: at most one remote object should exist per FID, which
// the lookup-before-write protocol preserves.
package copytool

import (
	"fmt"
	"io"
	"os/exec"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	lustre "github.com/intel-hpdd/go-lustre"
	"github.com/intel-hpdd/go-lustre/fs"
	"github.com/intel-hpdd/logging/alert"
	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/stanford-rc/ct-gdrive/pkg/gdrive"
	"github.com/stanford-rc/ct-gdrive/pkg/progress"
)

// Store is the remote side of the copytool, implemented for production
// by gdrive.Store. All methods are expected to carry their own retry
// behavior.
type Store interface {
	Lookup(parent, name string) ([]*gdrive.FileRef, error)
	Create(parent, name, description string, src io.ReadSeeker) (*gdrive.FileRef, error)
	Update(ref *gdrive.FileRef, description string, src io.ReadSeeker) (*gdrive.FileRef, error)
	Download(ref *gdrive.FileRef, dst io.Writer) (int64, error)
}

// Should this be configurable?
const updateInterval = 10 * time.Second

// rate tracks bytes moved by completed transfers in this process.
var rate = metrics.NewMeter()

// ErrNotArchived indicates a restore request for a FID with no matching
// remote object.
var ErrNotArchived = errors.New("no archive entry found")

// Mover runs a single archive or restore operation against a Drive
// root folder.
type Mover struct {
	store      Store
	lustreRoot string
	driveRoot  string
}

// New returns a new *Mover.
func New(store Store, lustreRoot, driveRoot string) *Mover {
	return &Mover{
		store:      store,
		lustreRoot: lustreRoot,
		driveRoot:  driveRoot,
	}
}

// description builds the human-readable annotation stored alongside an
// archived object: the file's current path, its metadata, and where and
// when it was archived. The content is best effort; fid2path and stat
// failures leave gaps but do not fail the shell.
func (m *Mover) description(fid string) (string, error) {
	f, err := lustre.ParseFid(fid)
	if err != nil {
		return "", errors.Wrap(err, "parse fid failed")
	}
	fidPath := path.Join(m.lustreRoot, fs.FidRelativePath(f))

	script := fmt.Sprintf(`lfs fid2path %q %q; stat %q; echo Archived by $HOSTNAME on $(date)`,
		m.lustreRoot, fid, fidPath)

	out, err := exec.Command("/bin/sh", "-c", script).Output()
	if err != nil {
		return "", errors.Wrap(err, "describe fid failed")
	}
	return string(out), nil
}

func transferLength(src io.Seeker) (int64, error) {
	end, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "seek to end failed")
	}
	_, err = src.Seek(0, io.SeekStart)
	return end, errors.Wrap(err, "seek to start failed")
}

func progressFunc(op, fid string) progress.UpdateFunc {
	return func(total, delta uint64) error {
		debug.Printf("%s %s: %s moved", op, fid, humanize.IBytes(total+delta))
		return nil
	}
}

// Archive pushes the content behind src to the configured Drive root.
// A FID with no remote entry gets a new object; an already-archived FID
// gets a new version of the existing object.
func (m *Mover) Archive(fid string, src io.ReadSeeker) (*gdrive.FileRef, error) {
	debug.Printf("archive %s", fid)
	start := time.Now()

	length, err := transferLength(src)
	if err != nil {
		return nil, err
	}

	descr, err := m.description(fid)
	if err != nil {
		return nil, err
	}

	// The lookup is costly but required: it decides whether this FID
	// already has an object in Drive.
	refs, err := m.store.Lookup(m.driveRoot, fid)
	if err != nil {
		return nil, err
	}

	reader := progress.NewReader(src, updateInterval, progressFunc("archive", fid))
	defer reader.StopUpdates()

	var ref *gdrive.FileRef
	if len(refs) == 0 {
		ref, err = m.store.Create(m.driveRoot, fid, descr, reader)
	} else {
		if len(refs) > 1 {
			alert.Warnf("multiple entries found for fid %s: %s", fid, refs)
		}
		ref, err = m.store.Update(refs[0], descr, reader)
	}
	if err != nil {
		return nil, err
	}

	rate.Mark(length)
	audit.Logf("archived %s for %s in %v (%s/s avg) (%s)", humanize.IBytes(uint64(length)),
		fid, time.Since(start), humanize.IBytes(uint64(rate.RateMean())), ref)
	return ref, nil
}

// Restore pulls the current version of the remote object for fid into
// dst. A FID with no remote entry is a hard failure, not a retryable
// one.
func (m *Mover) Restore(fid string, dst io.Writer) error {
	debug.Printf("restore %s", fid)
	start := time.Now()

	refs, err := m.store.Lookup(m.driveRoot, fid)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return errors.Wrapf(ErrNotArchived, "fid %s", fid)
	}
	if len(refs) > 1 {
		alert.Warnf("multiple entries found for fid %s: %s", fid, refs)
	}

	writer := progress.NewWriter(dst, updateInterval, progressFunc("restore", fid))
	defer writer.StopUpdates()

	n, err := m.store.Download(refs[0], writer)
	if err != nil {
		return err
	}

	rate.Mark(n)
	audit.Logf("restored %s for %s in %v (%s/s avg) (%s)", humanize.IBytes(uint64(n)),
		fid, time.Since(start), humanize.IBytes(uint64(rate.RateMean())), refs[0])
	return nil
}
