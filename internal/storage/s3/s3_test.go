package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docmirror/internal/storage"
)

type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string]string
	puts     map[string]string
	pageSize int
	status   int
	code     string
}

func newTestStore(t *testing.T) (*fakeBucket, *Store) {
	t.Helper()
	f := &fakeBucket{objects: map[string]string{}, puts: map[string]string{}, pageSize: 1000}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	st, err := New(context.Background(), Config{
		Endpoint:  srv.URL,
		Bucket:    "docs",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	require.NoError(t, err)
	return f, st
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(f.status)
		if r.Method != http.MethodHead {
			fmt.Fprintf(w, `<Error><Code>%s</Code><Message>forced</Message><RequestId>r1</RequestId></Error>`, f.code)
		}
		return
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != "docs" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "":
		f.list(w, r.URL.Query().Get("prefix"), r.URL.Query().Get("continuation-token"))
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		_, _ = io.WriteString(w, data)
	case r.Method == http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		f.puts[key] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// list pages through keys in sorted order, pageSize at a time. The
// continuation token is the index of the next key.
func (f *fakeBucket) list(w http.ResponseWriter, prefix, token string) {
	keys := []string{}
	for _, k := range []string{"sop/1.xlsx", "sop/2.xlsx", "sop/3.xlsx", "zzz/4.xlsx"} {
		if _, ok := f.objects[k]; ok && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	start := 0
	if token != "" {
		fmt.Sscan(token, &start)
	}
	end := min(start+f.pageSize, len(keys))

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>docs</Name>`)
	for _, k := range keys[start:end] {
		fmt.Fprintf(&b, `<Contents><Key>%s</Key><LastModified>2026-03-02T09:00:00.000Z</LastModified><Size>%d</Size></Contents>`, k, len(f.objects[k]))
	}
	if end < len(keys) {
		fmt.Fprintf(&b, `<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>`, end)
	} else {
		b.WriteString(`<IsTruncated>false</IsTruncated>`)
	}
	b.WriteString(`</ListBucketResult>`)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, b.String())
}

func TestNew_NotConfigured(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, storage.ErrNotConfigured)

	_, err = New(context.Background(), Config{Bucket: "docs", AccessKey: "only-half"})
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}

func TestStore_ListFollowsContinuation(t *testing.T) {
	f, st := newTestStore(t)
	f.pageSize = 2
	f.objects["sop/1.xlsx"] = "a"
	f.objects["sop/2.xlsx"] = "bb"
	f.objects["sop/3.xlsx"] = "ccc"
	f.objects["zzz/4.xlsx"] = "d"

	objs, err := st.List(context.Background(), "sop/")
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, "sop/3.xlsx", objs[2].Key)
	assert.Equal(t, int64(3), objs[2].Size)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), objs[0].LastModified)
}

func TestStore_GetAndPut(t *testing.T) {
	f, st := newTestStore(t)
	f.objects["sop/1.xlsx"] = "content"
	ctx := context.Background()

	data, err := st.Get(ctx, "sop/1.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	require.NoError(t, st.Put(ctx, "sop/2.xlsx", []byte("new"), "text/plain"))
	assert.Equal(t, "text/plain", f.puts["sop/2.xlsx"])
}

func TestStore_GetMissing(t *testing.T) {
	_, st := newTestStore(t)

	_, err := st.Get(context.Background(), "sop/missing.xlsx")
	assert.True(t, storage.IsNotFound(err), "got %v", err)
}

func TestStore_Check(t *testing.T) {
	f, st := newTestStore(t)
	require.NoError(t, st.Check(context.Background()))

	f.status = http.StatusForbidden
	err := st.Check(context.Background())
	assert.True(t, storage.IsTerminal(err), "got %v", err)
}

func TestStore_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		code   string
		check  func(error) bool
	}{
		{http.StatusInternalServerError, "InternalError", storage.IsTransient},
		{http.StatusServiceUnavailable, "SlowDown", storage.IsTransient},
		{http.StatusForbidden, "AccessDenied", storage.IsTerminal},
		{http.StatusBadRequest, "ExpiredToken", storage.IsAuthExpired},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f, st := newTestStore(t)
			f.status, f.code = tt.status, tt.code

			_, err := st.Get(context.Background(), "sop/1.xlsx")
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}
