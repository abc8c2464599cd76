package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const testBucket = "test-bucket"

// fakeGCS simulates the JSON upload and metadata endpoints and both media
// download paths over an in-memory object map.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
	failAll bool
	url     string
}

func (f *fakeGCS) fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = true
}

func newFakeGCS(t *testing.T) (*fakeGCS, *storage.Client) {
	t.Helper()
	fake := &fakeGCS{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	fake.url = srv.URL
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return fake, client
}

func (f *fakeGCS) put(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[name] = append([]byte(nil), data...)
}

func (f *fakeGCS) get(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	return data, ok
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	fail := f.failAll
	f.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	p := r.URL.Path
	switch {
	case strings.Contains(p, "/upload/storage/v1/b/"):
		f.upload(w, r)
	case strings.Contains(p, "/b/"+testBucket+"/o/"):
		name := p[strings.Index(p, "/o/")+len("/o/"):]
		if r.URL.Query().Get("alt") == "media" {
			f.media(w, name)
			return
		}
		f.metadata(w, name)
	case strings.HasSuffix(p, "/b/"+testBucket):
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"name":%q}`, testBucket)
	default:
		// XML API read: /<bucket>/<object>
		trimmed := strings.TrimPrefix(p, "/")
		trimmed = strings.TrimPrefix(trimmed, "storage/v1/")
		_, name, _ := strings.Cut(trimmed, testBucket+"/")
		f.media(w, name)
	}
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var meta struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
	}
	metaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mediaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(mediaPart)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := meta.Name
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	f.put(name, data)
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"bucket":%q,"name":%q,"size":"%d","contentType":%q}`,
		testBucket, name, len(data), meta.ContentType)
}

func (f *fakeGCS) metadata(w http.ResponseWriter, name string) {
	data, ok := f.get(name)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"bucket":%q,"name":%q,"size":"%d"}`, testBucket, name, len(data))
}

func (f *fakeGCS) media(w http.ResponseWriter, name string) {
	data, ok := f.get(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	_, _ = w.Write(data)
}
