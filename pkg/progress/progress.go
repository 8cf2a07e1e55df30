// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

// Package progress provides reader and writer wrappers that track how
// many bytes have moved through a transfer and periodically report the
// count to a callback. The copytool uses them around the inherited
// transfer descriptor to log progress and feed the transfer rate meter.
package progress

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/intel-hpdd/logging/alert"
	"github.com/intel-hpdd/logging/debug"
)

type (
	// UpdateFunc receives the byte count at the last update and the
	// delta accumulated since then.
	UpdateFunc func(uint64, uint64) error

	progressUpdater struct {
		done        chan struct{}
		bytesCopied uint64
	}

	// Reader wraps an io.ReadSeeker and periodically invokes the
	// supplied callback to provide progress updates.
	Reader struct {
		progressUpdater

		src io.ReadSeeker
	}

	// Writer wraps an io.Writer and periodically invokes the
	// supplied callback to provide progress updates.
	Writer struct {
		progressUpdater

		dst io.Writer
	}
)

// startUpdates creates a goroutine to periodically call the supplied
// callback with updated progress information.
func (p *progressUpdater) startUpdates(updateEvery time.Duration, f UpdateFunc) {
	p.done = make(chan struct{})

	if updateEvery > 0 && f != nil {
		var lastTotal uint64
		go func() {
			for {
				select {
				case <-time.After(updateEvery):
					copied := atomic.LoadUint64(&p.bytesCopied)
					if err := f(lastTotal, copied-lastTotal); err != nil {
						alert.Warnf("Error received from updater callback: %s", err)
					}
					lastTotal = copied
				case <-p.done:
					debug.Print("Shutting down updater goroutine")
					return
				}
			}
		}()
	}
}

// StopUpdates kills the updater goroutine. Call it exactly once, after
// the transfer is finished.
func (p *progressUpdater) StopUpdates() {
	close(p.done)
}

// Copied returns the number of bytes moved through the wrapper so far.
func (p *progressUpdater) Copied() uint64 {
	return atomic.LoadUint64(&p.bytesCopied)
}

// Seek calls the wrapped Seeker's Seek. The byte count is left alone;
// a rewind for an upload retry only means some bytes are counted twice
// in the progress log, never in the transferred data.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	return r.src.Seek(offset, whence)
}

// Read calls the wrapped Read and tracks how many bytes were read.
func (r *Reader) Read(p []byte) (n int, err error) {
	n, err = r.src.Read(p)
	atomic.AddUint64(&r.bytesCopied, uint64(n))
	return
}

// NewReader returns a new Reader
func NewReader(src io.ReadSeeker, updateEvery time.Duration, f UpdateFunc) *Reader {
	r := &Reader{
		src: src,
	}
	r.startUpdates(updateEvery, f)

	return r
}

// Write calls the wrapped Write and tracks how many bytes were written.
func (w *Writer) Write(p []byte) (n int, err error) {
	n, err = w.dst.Write(p)
	atomic.AddUint64(&w.bytesCopied, uint64(n))
	return
}

// NewWriter returns a new Writer
func NewWriter(dst io.Writer, updateEvery time.Duration, f UpdateFunc) *Writer {
	w := &Writer{
		dst: dst,
	}
	w.startUpdates(updateEvery, f)

	return w
}
