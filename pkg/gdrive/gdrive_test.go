// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/stanford-rc/ct-gdrive/pkg/retry"
)

func TestSearchQuery(t *testing.T) {
	got := searchQuery("root-id", "0x200000401:0x2:0x0")
	expected := "'root-id' in parents and name = '0x200000401:0x2:0x0' and trashed = false"
	if got != expected {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"quota exceeded", &googleapi.Error{Code: 403}, true},
		{"server error", &googleapi.Error{Code: 500}, true},
		{"backend error", &googleapi.Error{Code: 503}, true},
		{"not found", &googleapi.Error{Code: 404}, false},
		{"bad request", &googleapi.Error{Code: 400}, false},
		{"unauthorized", &googleapi.Error{Code: 401}, false},
		{"wrapped api error", errors.Wrap(&googleapi.Error{Code: 502}, "push create"), true},
		{"wrapped fatal", errors.Wrap(&googleapi.Error{Code: 404}, "lookup"), false},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"url error", &url.Error{Op: "Get", URL: "x", Err: io.EOF}, true},
		{"truncated body", io.ErrUnexpectedEOF, true},
		{"local error", errors.New("no such file"), false},
	}

	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.retryable {
			t.Errorf("%s: expected retryable=%t, got %t", tt.name, tt.retryable, got)
		}
	}
}

type (
	fakeObject struct {
		name        string
		parent      string
		description string
		data        []byte
	}

	// fakeDrive is a minimal in-memory Drive v3 endpoint covering
	// the handful of calls the Store makes.
	fakeDrive struct {
		mu      sync.Mutex
		nextID  int
		objects map[string]*fakeObject

		listCalls  int
		rangeCalls int
		failRanges int // serve this many 503s on media requests first
	}
)

func newFakeDrive() *fakeDrive {
	return &fakeDrive{objects: make(map[string]*fakeObject)}
}

func (fd *fakeDrive) add(parent, name string, data []byte) string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.nextID++
	id := fmt.Sprintf("drive-file-%d", fd.nextID)
	fd.objects[id] = &fakeObject{name: name, parent: parent, data: data}
	return id
}

func (fd *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	switch {
	case r.Method == "GET" && r.URL.Path == "/files":
		fd.listCalls++
		q := r.URL.Query().Get("q")
		var files []map[string]string
		for id, obj := range fd.objects {
			if q == searchQuery(obj.parent, obj.name) {
				files = append(files, map[string]string{"id": id})
			}
		}
		writeJSON(w, map[string]interface{}{"files": files})

	case r.Method == "POST" && r.URL.Path == "/upload/drive/v3/files":
		meta, data, err := readMultipart(r)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		fd.nextID++
		id := fmt.Sprintf("drive-file-%d", fd.nextID)
		parent := ""
		if len(meta.Parents) > 0 {
			parent = meta.Parents[0]
		}
		fd.objects[id] = &fakeObject{
			name:        meta.Name,
			parent:      parent,
			description: meta.Description,
			data:        data,
		}
		writeJSON(w, map[string]string{"id": id})

	case r.Method == "PATCH" && strings.HasPrefix(r.URL.Path, "/upload/drive/v3/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/upload/drive/v3/files/")
		obj, ok := fd.objects[id]
		if !ok {
			serveAPIError(w, 404, "File not found")
			return
		}
		meta, data, err := readMultipart(r)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		obj.description = meta.Description
		obj.data = data
		writeJSON(w, map[string]string{"id": id})

	case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		obj, ok := fd.objects[id]
		if !ok {
			serveAPIError(w, 404, "File not found")
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			fd.rangeCalls++
			if fd.failRanges > 0 {
				fd.failRanges--
				serveAPIError(w, 503, "Backend Error")
				return
			}
			http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(obj.data))
			return
		}
		writeJSON(w, map[string]string{"size": fmt.Sprintf("%d", len(obj.data))})

	default:
		http.Error(w, "unexpected request: "+r.Method+" "+r.URL.Path, 500)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func serveAPIError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error": {"code": %d, "message": "%s"}}`, code, message)
}

func readMultipart(r *http.Request) (*drive.File, []byte, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, err
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		return nil, nil, err
	}
	meta := &drive.File{}
	if err := json.NewDecoder(metaPart).Decode(meta); err != nil {
		return nil, nil, err
	}

	mediaPart, err := mr.NextPart()
	if err != nil {
		return nil, nil, err
	}
	data, err := ioutil.ReadAll(mediaPart)
	if err != nil {
		return nil, nil, err
	}
	return meta, data, nil
}

func quietPolicy() *retry.Policy {
	p := retry.NewPolicy(Retryable)
	p.Sleep = func(time.Duration) {}
	p.Jitter = func() time.Duration { return 0 }
	return p
}

func withFakeStore(t *testing.T, chunkSize int, tester func(*fakeDrive, *Store)) {
	fd := newFakeDrive()
	ts := httptest.NewServer(fd)
	defer ts.Close()

	svc, err := drive.NewService(context.Background(),
		option.WithEndpoint(ts.URL+"/"),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatal(err)
	}

	tester(fd, NewStore(svc, quietPolicy(), chunkSize))
}

func TestLookup(t *testing.T) {
	withFakeStore(t, 0, func(fd *fakeDrive, store *Store) {
		id := fd.add("root-id", "0x200000401:0x2:0x0", []byte("content"))
		fd.add("root-id", "0x200000401:0x3:0x0", []byte("other"))

		refs, err := store.Lookup("root-id", "0x200000401:0x2:0x0")
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 1 {
			t.Fatalf("expected 1 match, got %d", len(refs))
		}
		if refs[0].ID != id {
			t.Errorf("expected id %s, got %s", id, refs[0].ID)
		}

		refs, err = store.Lookup("root-id", "0x999:0x1:0x0")
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 0 {
			t.Fatalf("expected no matches, got %d", len(refs))
		}
	})
}

func TestCreateThenUpdate(t *testing.T) {
	withFakeStore(t, 0, func(fd *fakeDrive, store *Store) {
		name := "0x200000401:0x2:0x0"
		ref, err := store.Create("root-id", name, "first version",
			bytes.NewReader([]byte("version one")))
		if err != nil {
			t.Fatal(err)
		}

		obj := fd.objects[ref.ID]
		if obj == nil {
			t.Fatalf("no object stored for %s", ref.ID)
		}
		if obj.name != name || obj.parent != "root-id" {
			t.Errorf("stored (%s, %s), expected (%s, root-id)", obj.name, obj.parent, name)
		}
		if string(obj.data) != "version one" {
			t.Errorf("stored content %q", obj.data)
		}
		if obj.description != "first version" {
			t.Errorf("stored description %q", obj.description)
		}

		if _, err = store.Update(ref, "second version", bytes.NewReader([]byte("version two"))); err != nil {
			t.Fatal(err)
		}
		if string(obj.data) != "version two" {
			t.Errorf("updated content %q", obj.data)
		}
		if obj.description != "second version" {
			t.Errorf("updated description %q", obj.description)
		}
	})
}

func TestDownloadChunked(t *testing.T) {
	content := []byte("twenty bytes of data")
	withFakeStore(t, 7, func(fd *fakeDrive, store *Store) {
		id := fd.add("root-id", "0x1:0x2:0x3", content)

		var buf bytes.Buffer
		n, err := store.Download(&FileRef{ID: id, Name: "0x1:0x2:0x3", Parent: "root-id"}, &buf)
		if err != nil {
			t.Fatal(err)
		}
		if n != int64(len(content)) {
			t.Errorf("expected %d bytes, got %d", len(content), n)
		}
		if !bytes.Equal(buf.Bytes(), content) {
			t.Errorf("expected %q, got %q", content, buf.Bytes())
		}
		// ceil(20/7) chunks
		if fd.rangeCalls != 3 {
			t.Errorf("expected 3 chunk requests, got %d", fd.rangeCalls)
		}
	})
}

func TestDownloadRetriesChunk(t *testing.T) {
	content := []byte("twenty bytes of data")
	withFakeStore(t, 7, func(fd *fakeDrive, store *Store) {
		id := fd.add("root-id", "0x1:0x2:0x3", content)
		fd.failRanges = 2

		var buf bytes.Buffer
		_, err := store.Download(&FileRef{ID: id, Name: "0x1:0x2:0x3", Parent: "root-id"}, &buf)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf.Bytes(), content) {
			t.Errorf("expected %q, got %q", content, buf.Bytes())
		}
		// 3 chunks plus 2 retried failures
		if fd.rangeCalls != 5 {
			t.Errorf("expected 5 chunk requests, got %d", fd.rangeCalls)
		}
	})
}

func TestDownloadMissingObject(t *testing.T) {
	withFakeStore(t, 0, func(fd *fakeDrive, store *Store) {
		var buf bytes.Buffer
		_, err := store.Download(&FileRef{ID: "no-such-id"}, &buf)
		if err == nil {
			t.Fatal("expected download of missing object to fail")
		}
		apiErr, ok := errors.Cause(err).(*googleapi.Error)
		if !ok {
			t.Fatalf("expected *googleapi.Error, got %T", errors.Cause(err))
		}
		if apiErr.Code != 404 {
			t.Errorf("expected 404, got %d", apiErr.Code)
		}
	})
}
