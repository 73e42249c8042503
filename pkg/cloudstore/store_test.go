package cloudstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"

	"github.com/forensiq/harvest/pkg/types"
)

// fakeS3 is a minimal path-style S3 endpoint covering PutObject,
// multipart uploads, HeadObject and DeleteObject
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	etags     map[string]string
	parts     map[string]map[int][]byte
	partKey   map[string]string
	puts      int
	partPuts  int
	initiates int
	completes int
	uploadSeq int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		etags:   make(map[string]string),
		parts:   make(map[string]map[int][]byte),
		partKey: make(map[string]string),
	}
}

func (f *fakeS3) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		i := strings.IndexByte(path, '/')
		if i < 0 {
			http.Error(w, "bucket-only request", http.StatusBadRequest)
			return
		}
		bucket, key := path[:i], path[i+1:]
		_ = bucket
		q := r.URL.Query()

		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			f.mu.Lock()
			f.initiates++
			f.uploadSeq++
			id := fmt.Sprintf("upload-%d", f.uploadSeq)
			f.parts[id] = make(map[int][]byte)
			f.partKey[id] = key
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<InitiateMultipartUploadResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId>
</InitiateMultipartUploadResult>`, bucket, key, id)

		case r.Method == http.MethodPut && q.Get("uploadId") != "":
			body, _ := io.ReadAll(r.Body)
			n, _ := strconv.Atoi(q.Get("partNumber"))
			id := q.Get("uploadId")
			f.mu.Lock()
			f.partPuts++
			if f.parts[id] != nil {
				f.parts[id][n] = body
			}
			f.mu.Unlock()
			w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, n))

		case r.Method == http.MethodPost && q.Get("uploadId") != "":
			id := q.Get("uploadId")
			f.mu.Lock()
			f.completes++
			nums := make([]int, 0, len(f.parts[id]))
			for n := range f.parts[id] {
				nums = append(nums, n)
			}
			sort.Ints(nums)
			var assembled []byte
			for _, n := range nums {
				assembled = append(assembled, f.parts[id][n]...)
			}
			f.objects[key] = assembled
			f.etags[key] = "etag-multipart"
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<CompleteMultipartUploadResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Location>http://store/%s/%s</Location>
  <Bucket>%s</Bucket><Key>%s</Key><ETag>"etag-multipart"</ETag>
</CompleteMultipartUploadResult>`, bucket, key, bucket, key)

		case r.Method == http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.puts++
			f.objects[key] = body
			f.etags[key] = "etag-single"
			f.mu.Unlock()
			w.Header().Set("ETag", `"etag-single"`)

		case r.Method == http.MethodHead:
			f.mu.Lock()
			body, ok := f.objects[key]
			etag := f.etags[key]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Header().Set("ETag", `"`+etag+`"`)
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodDelete:
			f.mu.Lock()
			delete(f.objects, key)
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "unhandled", http.StatusNotImplemented)
		}
	})
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func newTestStore(t *testing.T, fake *fakeS3, opts Options) *Store {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	opts.Bucket = "forensics"
	opts.Region = "us-east-1"
	opts.Endpoint = srv.URL
	opts.Credentials = Credentials{AccessKeyID: "test", SecretAccessKey: "test"}

	store, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return store
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.7z")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadSmallSinglePut(t *testing.T) {
	fake := newFakeS3()
	store := newTestStore(t, fake, Options{})

	payload := bytes.Repeat([]byte("triage"), 1000)
	res, err := store.Upload(context.Background(), "kape/WIN-1/a-triage.7z", writeTemp(t, payload))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if res.Multipart {
		t.Error("Small upload should not use multipart")
	}
	if res.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", res.Size, len(payload))
	}

	stored, ok := fake.object("kape/WIN-1/a-triage.7z")
	if !ok {
		t.Fatal("Object not stored")
	}
	if !bytes.Equal(stored, payload) {
		t.Errorf("Stored %d bytes, want %d", len(stored), len(payload))
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.puts != 1 || fake.initiates != 0 {
		t.Errorf("puts=%d initiates=%d, want a single PutObject", fake.puts, fake.initiates)
	}
}

func TestUploadLargeMultipart(t *testing.T) {
	fake := newFakeS3()
	store := newTestStore(t, fake, Options{
		MultipartThreshold: 1 << 20,
		PartSize:           manager.MinUploadPartSize,
		Concurrency:        2,
	})

	payload := bytes.Repeat([]byte("x"), 11<<20)
	res, err := store.Upload(context.Background(), "kape/WIN-1/big-triage.7z", writeTemp(t, payload))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if !res.Multipart {
		t.Error("Upload above threshold should use multipart")
	}

	stored, ok := fake.object("kape/WIN-1/big-triage.7z")
	if !ok {
		t.Fatal("Object not assembled")
	}
	if len(stored) != len(payload) {
		t.Errorf("Assembled %d bytes, want %d", len(stored), len(payload))
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.initiates != 1 || fake.completes != 1 {
		t.Errorf("initiates=%d completes=%d", fake.initiates, fake.completes)
	}
	if fake.partPuts < 2 {
		t.Errorf("partPuts=%d, want several parts", fake.partPuts)
	}
}

func TestHead(t *testing.T) {
	fake := newFakeS3()
	fake.objects["kape/WIN-1/a-triage.7z"] = bytes.Repeat([]byte("z"), 4096)
	fake.etags["kape/WIN-1/a-triage.7z"] = "abc123"
	store := newTestStore(t, fake, Options{})

	info, err := store.Head(context.Background(), "kape/WIN-1/a-triage.7z")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if info.Size != 4096 {
		t.Errorf("Size = %d, want 4096", info.Size)
	}
	if info.ETag != "abc123" {
		t.Errorf("ETag = %q, want unquoted abc123", info.ETag)
	}
}

func TestHeadNotFound(t *testing.T) {
	store := newTestStore(t, newFakeS3(), Options{})

	_, err := store.Head(context.Background(), "kape/WIN-1/missing.7z")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestUploadAppliesPrefix(t *testing.T) {
	fake := newFakeS3()
	store := newTestStore(t, fake, Options{Prefix: "cases/2024/"})

	if _, err := store.Upload(context.Background(), "uac/web-1/out.tar.gz", writeTemp(t, []byte("data"))); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, ok := fake.object("cases/2024/uac/web-1/out.tar.gz"); !ok {
		t.Error("Prefix not applied to stored key")
	}

	// Head must resolve through the same prefix
	if _, err := store.Head(context.Background(), "uac/web-1/out.tar.gz"); err != nil {
		t.Errorf("Head through prefix failed: %v", err)
	}
}

func TestNewRejectsBadProxy(t *testing.T) {
	_, err := New(context.Background(), Options{
		Bucket:   "forensics",
		Region:   "us-east-1",
		ProxyURL: "://not-a-url",
	})
	if err == nil {
		t.Fatal("Expected error for malformed proxy url")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Options{Region: "us-east-1"}); err == nil {
		t.Fatal("Expected error for missing bucket")
	}
}

func TestKey(t *testing.T) {
	got := Key(types.ToolKape, "WIN-1", "2024-05-01T1200_WIN-1-triage.7z")
	want := "kape/WIN-1/2024-05-01T1200_WIN-1-triage.7z"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}

	got = Key(types.ToolUAC, "web-1", "uac-web-1-linux-20240501120000.tar.gz")
	if got != "uac/web-1/uac-web-1-linux-20240501120000.tar.gz" {
		t.Errorf("Key = %q", got)
	}
}
