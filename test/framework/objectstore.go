package framework

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FakeObjectStore is a path-style S3 endpoint covering PutObject,
// multipart uploads, HeadObject and DeleteObject. With FailPuts set it
// stores the bytes and then answers 502, reproducing the transport
// that lies: the upload client reports failure while the object is
// durably there for verification to find.
type FakeObjectStore struct {
	mu        sync.Mutex
	srv       *httptest.Server
	objects   map[string][]byte
	etags     map[string]string
	parts     map[string]map[int][]byte
	partKey   map[string]string
	failPuts  bool
	puts      int
	partPuts  int
	initiates int
	completes int
	uploadSeq int
}

// NewFakeObjectStore starts the fake on a loopback listener.
func NewFakeObjectStore() *FakeObjectStore {
	f := &FakeObjectStore{
		objects: make(map[string][]byte),
		etags:   make(map[string]string),
		parts:   make(map[string]map[int][]byte),
		partKey: make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// URL is the endpoint the store client should be pointed at.
func (f *FakeObjectStore) URL() string { return f.srv.URL }

// Close shuts the listener down.
func (f *FakeObjectStore) Close() { f.srv.Close() }

// FailPuts makes every object write store its bytes and then answer
// 502 until the client gives up.
func (f *FakeObjectStore) FailPuts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPuts = true
}

// Object returns the stored bytes for a key.
func (f *FakeObjectStore) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

// ObjectCount reports how many objects the store holds.
func (f *FakeObjectStore) ObjectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// Puts reports single-shot PutObject calls, retries included.
func (f *FakeObjectStore) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

// Initiates reports multipart upload initiations.
func (f *FakeObjectStore) Initiates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiates
}

func (f *FakeObjectStore) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	i := strings.IndexByte(path, '/')
	if i < 0 {
		http.Error(w, "bucket-only request", http.StatusBadRequest)
		return
	}
	bucket, key := path[:i], path[i+1:]
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
		fail := f.failPuts
		f.mu.Unlock()
		if fail {
			writeStoreFault(w)
			return
		}
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
		fail := f.failPuts
		f.mu.Unlock()
		if fail {
			writeStoreFault(w)
			return
		}
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
}

func writeStoreFault(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>InternalError</Code><Message>injected fault after store</Message></Error>`)
}
