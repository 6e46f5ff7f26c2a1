package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testPartition = "wine-cellar-assets-abc"

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t, testPartition)
	locator := Locator{Partition: testPartition, Path: "/js/main.js"}

	modTime := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	payload := []byte("console.log('v1')")
	header := http.Header{"Content-Type": []string{"text/javascript"}}
	if _, err := store.Put(context.Background(), locator, bytes.NewReader(payload), PutOptions{ModTime: modTime, Header: header}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if result.Entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
	}
	if !result.Entry.ModTime.Equal(modTime) {
		t.Fatalf("modtime mismatch: expected %v got %v", modTime, result.Entry.ModTime)
	}
	if result.Entry.Status != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", result.Entry.Status)
	}
	if ct := result.Entry.Header.Get("Content-Type"); ct != "text/javascript" {
		t.Fatalf("content type not persisted: %q", ct)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t, testPartition)
	_, err := store.Get(context.Background(), Locator{Partition: testPartition, Path: "/missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = store.Get(context.Background(), Locator{Partition: "never-created", Path: "/js/main.js"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown partition, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t, testPartition)
	locator := Locator{Partition: testPartition, Path: "/cache/remove"}
	if _, err := store.Put(context.Background(), locator, bytes.NewReader([]byte("data")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t, testPartition)
	locator := Locator{Partition: testPartition, Path: "/js"}

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	filePath, err := fs.entryPath(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStorePutRequiresPartition(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: testPartition, Path: "/js/main.js"}
	_, err := store.Put(context.Background(), locator, bytes.NewReader([]byte("x")), PutOptions{})
	if !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("expected ErrPartitionNotFound, got %v", err)
	}
	partitions, err := store.Partitions(context.Background())
	if err != nil {
		t.Fatalf("partitions error: %v", err)
	}
	if len(partitions) != 0 {
		t.Fatalf("failed put must not create a partition, got %v", partitions)
	}
}

func TestStorePartitionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	names := []string{"wine-cellar-assets-b", "wine-cellar-assets-a", "other-cache"}
	for _, name := range names {
		if err := store.CreatePartition(ctx, name); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if err := store.CreatePartition(ctx, "wine-cellar-assets-a"); err != nil {
		t.Fatalf("re-create should be idempotent: %v", err)
	}

	got, err := store.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions error: %v", err)
	}
	want := []string{"other-cache", "wine-cellar-assets-a", "wine-cellar-assets-b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if err := store.DeletePartition(ctx, "wine-cellar-assets-a"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if err := store.DeletePartition(ctx, "wine-cellar-assets-a"); err != nil {
		t.Fatalf("deleting twice must be a no-op, got %v", err)
	}
	got, _ = store.Partitions(ctx)
	if len(got) != 2 {
		t.Fatalf("expected 2 partitions after delete, got %v", got)
	}
}

func TestStoreOpaquePartitionNames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	name := "wine-cellar-assets-1.0/beta+build 7"
	if err := store.CreatePartition(ctx, name); err != nil {
		t.Fatalf("create error: %v", err)
	}
	got, err := store.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions error: %v", err)
	}
	if len(got) != 1 || got[0] != name {
		t.Fatalf("partition name should round-trip, got %v", got)
	}
	if err := store.CreatePartition(ctx, ""); !errors.Is(err, ErrInvalidPartition) {
		t.Fatalf("expected ErrInvalidPartition, got %v", err)
	}
}

func TestStoreDeleteDuringPutNeverResurrects(t *testing.T) {
	store := newTestStore(t, testPartition)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Put(ctx, Locator{Partition: testPartition, Path: "/js/main.js"}, bytes.NewReader([]byte("x")), PutOptions{})
		}()
	}
	if err := store.DeletePartition(ctx, testPartition); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	wg.Wait()

	// 删除之后的写入必须失败，而不是悄悄把分区重新建出来。
	_, err := store.Put(ctx, Locator{Partition: testPartition, Path: "/js/main.js"}, bytes.NewReader([]byte("x")), PutOptions{})
	if !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("expected ErrPartitionNotFound after delete, got %v", err)
	}
}

func TestResponseWriterStoresOnlySuccess(t *testing.T) {
	store := newTestStore(t, testPartition)
	writer := NewResponseWriter(store)
	ctx := context.Background()

	failed := &Response{Status: http.StatusInternalServerError, Body: []byte("boom")}
	stored, err := writer.Store(ctx, Locator{Partition: testPartition, Path: "/js/err.js"}, failed)
	if err != nil || stored {
		t.Fatalf("5xx must not be stored: stored=%v err=%v", stored, err)
	}

	ok := &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/javascript"}, "Set-Cookie": {"a=b"}},
		Body:   []byte("ok"),
	}
	stored, err = writer.Store(ctx, Locator{Partition: testPartition, Path: "/js/ok.js"}, ok)
	if err != nil || !stored {
		t.Fatalf("2xx should be stored: stored=%v err=%v", stored, err)
	}

	resp, err := ReadResponse(ctx, store, Locator{Partition: testPartition, Path: "/js/ok.js"})
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Fatalf("transient headers must not be persisted")
	}
	if resp.Header.Get("Content-Type") != "text/javascript" {
		t.Fatalf("content type lost")
	}
}

func TestResponseClone(t *testing.T) {
	orig := &Response{Status: 200, Header: http.Header{"X": {"1"}}, Body: []byte("abc")}
	dup := orig.Clone()
	dup.Body[0] = 'z'
	dup.Header.Set("X", "2")
	if string(orig.Body) != "abc" || orig.Header.Get("X") != "1" {
		t.Fatalf("clone must not share state with the original")
	}
}

// newTestStore returns a Store backed by a temporary directory with the given
// partitions pre-created.
func newTestStore(t *testing.T, partitions ...string) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	for _, name := range partitions {
		if err := store.CreatePartition(context.Background(), name); err != nil {
			t.Fatalf("failed to create partition %s: %v", name, err)
		}
	}
	return store
}

func TestNewLocatorKeepsVariantsApart(t *testing.T) {
	store := newTestStore(t, testPartition)
	ctx := context.Background()

	locators := []Locator{
		NewLocator(testPartition, "/js/main.js", ""),
		NewLocator(testPartition, "/js/main.js", "v=1"),
		NewLocator(testPartition, "/js/main.js", "v=2"),
		NewLocator(testPartition, "/js/", ""),
	}
	for i, loc := range locators {
		body := []byte{byte('a' + i)}
		if _, err := store.Put(ctx, loc, bytes.NewReader(body), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", loc.Path, err)
		}
	}
	for i, loc := range locators {
		resp, err := ReadResponse(ctx, store, loc)
		if err != nil {
			t.Fatalf("read %s: %v", loc.Path, err)
		}
		if string(resp.Body) != string([]byte{byte('a' + i)}) {
			t.Fatalf("entry %s was overwritten: %q", loc.Path, resp.Body)
		}
	}
}

func TestStoreUsage(t *testing.T) {
	store := newTestStore(t, testPartition)
	ctx := context.Background()

	usage, err := store.Usage(ctx, testPartition)
	if err != nil {
		t.Fatalf("usage error: %v", err)
	}
	if usage.Entries != 0 || usage.SizeBytes != 0 {
		t.Fatalf("empty partition should report zero usage, got %+v", usage)
	}

	for _, p := range []string{"/js/main.js", "/js/vendor/chart.js"} {
		if _, err := store.Put(ctx, Locator{Partition: testPartition, Path: p}, bytes.NewReader([]byte("12345")), PutOptions{}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}
	usage, err = store.Usage(ctx, testPartition)
	if err != nil {
		t.Fatalf("usage error: %v", err)
	}
	if usage.Entries != 2 || usage.SizeBytes != 10 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if usage.LastWrite.IsZero() {
		t.Fatalf("last write time should be set")
	}

	if _, err := store.Usage(ctx, "missing"); !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("expected ErrPartitionNotFound, got %v", err)
	}
}

func TestStoreGetNeverMixesConcurrentWrites(t *testing.T) {
	store := newTestStore(t, testPartition)
	ctx := context.Background()
	locator := Locator{Partition: testPartition, Path: "/js/main.js"}

	put := func(version string) {
		header := http.Header{"Etag": []string{version}}
		if _, err := store.Put(ctx, locator, bytes.NewReader([]byte(version)), PutOptions{Header: header}); err != nil {
			t.Errorf("put %s error: %v", version, err)
		}
	}
	put("A")

	stop := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				put("B")
			} else {
				put("A")
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		result, err := store.Get(ctx, locator)
		if err != nil {
			close(stop)
			writer.Wait()
			t.Fatalf("get error: %v", err)
		}
		body, err := io.ReadAll(result.Reader)
		result.Reader.Close()
		if err != nil {
			close(stop)
			writer.Wait()
			t.Fatalf("read error: %v", err)
		}
		if etag := result.Entry.Header.Get("Etag"); etag != string(body) {
			close(stop)
			writer.Wait()
			t.Fatalf("read %d mixed two writes: body %q with etag %q", i, body, etag)
		}
	}
	close(stop)
	writer.Wait()
}

func TestStorePartitionsSkipsForeignEscapes(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.CreatePartition(ctx, testPartition); err != nil {
		t.Fatalf("create error: %v", err)
	}
	// 手工建立的目录名解码后无法还原，store 无法删除它，因此不应列出。
	if err := os.Mkdir(filepath.Join(base, "wine-cellar-assets-x%41"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	got, err := store.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions error: %v", err)
	}
	if len(got) != 1 || got[0] != testPartition {
		t.Fatalf("expected only %s, got %v", testPartition, got)
	}
	for _, name := range got {
		if err := store.DeletePartition(ctx, name); err != nil {
			t.Fatalf("delete error: %v", err)
		}
	}
	if got, _ := store.Partitions(ctx); len(got) != 0 {
		t.Fatalf("every listed partition must be deletable, left %v", got)
	}
}
