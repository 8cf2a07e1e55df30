// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

// Package gdrive binds the copytool to Google Drive. Archived Lustre
// files are stored as Drive objects named by FID under a single root
// folder; every remote call goes through the shared retry policy.
package gdrive

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/intel-hpdd/logging/debug"

	"github.com/stanford-rc/ct-gdrive/pkg/retry"
)

const (
	// DefaultChunkSize is the transfer chunk size. Drive requires
	// chunk sizes for files larger than 256KB to be multiples of
	// 256KB.
	DefaultChunkSize = 16 * 1024 * 1024

	// chunkRetryDeadline bounds the media client's own retries of
	// server errors within a single upload chunk. The retry.Policy
	// wrapping each call is the coarser outer net.
	chunkRetryDeadline = 2 * time.Minute

	mimeType = "application/octet-stream"
)

// FileRef identifies a remote object by Drive file ID along with the
// (name, parent) pair used to find it. Refs are resolved fresh on every
// invocation; nothing is cached between runs.
type FileRef struct {
	ID     string
	Name   string
	Parent string
}

func (r *FileRef) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.ID)
}

// Store performs remote object operations against a Drive folder.
type Store struct {
	svc       *drive.Service
	policy    *retry.Policy
	chunkSize int
}

// NewStore returns a Store using the supplied service and retry policy.
// A non-positive chunkSize selects DefaultChunkSize.
func NewStore(svc *drive.Service, policy *retry.Policy, chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{
		svc:       svc,
		policy:    policy,
		chunkSize: chunkSize,
	}
}

// searchQuery resolves a FID to its archived object: children of parent
// with a matching name, not in the trash.
func searchQuery(parent, name string) string {
	return fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", parent, name)
}

// Lookup returns the remote objects named name under parent. Only the
// first page of results is inspected; a FID should never have more than
// one entry, let alone a pageful. An empty result is not an error.
func (s *Store) Lookup(parent, name string) ([]*FileRef, error) {
	var refs []*FileRef
	err := s.policy.Do("lookup", func() error {
		r, err := s.svc.Files.List().Q(searchQuery(parent, name)).Fields("files(id)").Do()
		if err != nil {
			return err
		}
		refs = refs[:0]
		for _, f := range r.Files {
			refs = append(refs, &FileRef{ID: f.Id, Name: name, Parent: parent})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "lookup of %s failed", name)
	}
	return refs, nil
}

func (s *Store) mediaOptions() []googleapi.MediaOption {
	return []googleapi.MediaOption{
		googleapi.ContentType(mimeType),
		googleapi.ChunkSize(s.chunkSize),
		googleapi.ChunkRetryDeadline(chunkRetryDeadline),
	}
}

// rewind repositions src for a fresh upload attempt.
func rewind(src io.ReadSeeker) error {
	_, err := src.Seek(0, io.SeekStart)
	return errors.Wrap(err, "rewind source failed")
}

// Create uploads a new remote object named name under parent, streaming
// content from src in resumable chunks.
func (s *Store) Create(parent, name, description string, src io.ReadSeeker) (*FileRef, error) {
	body := &drive.File{
		MimeType:    mimeType,
		Name:        name,
		Description: description,
		Parents:     []string{parent},
	}

	var created *drive.File
	err := s.policy.Do("push create", func() error {
		if err := rewind(src); err != nil {
			return err
		}
		f, err := s.svc.Files.Create(body).Media(src, s.mediaOptions()...).Fields("id").Do()
		if err != nil {
			return err
		}
		created = f
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create of %s failed", name)
	}
	return &FileRef{ID: created.Id, Name: name, Parent: parent}, nil
}

// Update uploads a new version of the object behind ref, replacing its
// content and description in place.
func (s *Store) Update(ref *FileRef, description string, src io.ReadSeeker) (*FileRef, error) {
	body := &drive.File{
		MimeType:    mimeType,
		Description: description,
	}

	err := s.policy.Do("push update", func() error {
		if err := rewind(src); err != nil {
			return err
		}
		_, err := s.svc.Files.Update(ref.ID, body).Media(src, s.mediaOptions()...).Fields("id").Do()
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "update of %s failed", ref)
	}
	return ref, nil
}

// Download streams the content of the object behind ref into dst, one
// chunk at a time. Each chunk request is retried individually, so a
// transient mid-transfer failure resumes from the last completed chunk
// rather than restarting the whole object. Chunks are buffered before
// being written so a retried request never duplicates output bytes.
func (s *Store) Download(ref *FileRef, dst io.Writer) (int64, error) {
	var size int64
	err := s.policy.Do("pull size", func() error {
		f, err := s.svc.Files.Get(ref.ID).Fields("size").Do()
		if err != nil {
			return err
		}
		size = f.Size
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "size of %s failed", ref)
	}

	buf := make([]byte, s.chunkSize)
	var written int64
	for written < size {
		n := size - written
		if n > int64(s.chunkSize) {
			n = int64(s.chunkSize)
		}
		chunk := buf[:n]

		offset := written
		err := s.policy.Do("pull chunk", func() error {
			return s.readChunk(ref.ID, offset, chunk)
		})
		if err != nil {
			return written, errors.Wrapf(err, "download of %s failed at offset %d", ref, written)
		}

		nw, err := dst.Write(chunk)
		written += int64(nw)
		if err != nil {
			return written, errors.Wrap(err, "write to transfer descriptor failed")
		}
		debug.Printf("download %d%%", written*100/size)
	}
	return written, nil
}

// readChunk fills p with object content starting at offset.
func (s *Store) readChunk(id string, offset int64, p []byte) error {
	req := s.svc.Files.Get(id)
	req.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(p))-1))
	resp, err := req.Download()
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.ReadFull(resp.Body, p)
	return err
}
