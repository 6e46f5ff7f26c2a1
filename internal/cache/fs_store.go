package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodyDir = "body"
	metaDir = "meta"
	metaExt = ".json"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath:   abs,
		locks:      make(map[string]*entryLock),
		partitions: make(map[string]*sync.RWMutex),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入；partitions 中的读写锁让
// DeletePartition 与正在进行的 Put 互斥。
type fileStore struct {
	basePath string

	mu         sync.Mutex
	locks      map[string]*entryLock
	partitions map[string]*sync.RWMutex
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	// 元数据与正文必须来自同一次 Put；打开后的句柄不受后续 rename 影响。
	unlock := s.lockEntry(locator)
	defer unlock()

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	meta, err := s.readMeta(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Status:    meta.Status,
		Header:    meta.Header,
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	partLock, err := s.partitionLock(locator.Partition)
	if err != nil {
		return nil, err
	}
	partLock.RLock()
	defer partLock.RUnlock()

	if ok, err := s.partitionExists(locator.Partition); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrPartitionNotFound
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	metaPath, err := s.metaPath(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	meta := entryMeta{Status: status, Header: opts.Header, StoredAt: time.Now().UTC()}
	if err := writeFileAtomic(metaPath, meta); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
		Status:    status,
		Header:    opts.Header,
	}
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	metaPath, err := s.metaPath(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{filePath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil || url.PathEscape(name) != entry.Name() {
			// 非本 store 写出的目录名无法往返，列出后也删不掉。
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) CreatePartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) DeletePartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return err
	}
	partLock, err := s.partitionLock(name)
	if err != nil {
		return err
	}
	partLock.Lock()
	defer partLock.Unlock()

	// os.RemoveAll 对不存在的路径返回 nil，重复删除天然是 no-op。
	return os.RemoveAll(dir)
}

func (s *fileStore) Usage(ctx context.Context, name string) (Usage, error) {
	var usage Usage
	exists, err := s.partitionExists(name)
	if err != nil {
		return usage, err
	}
	if !exists {
		return usage, ErrPartitionNotFound
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return usage, err
	}
	root := filepath.Join(dir, bodyDir)
	err = filepath.WalkDir(root, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		usage.Entries++
		usage.SizeBytes += info.Size()
		if info.ModTime().After(usage.LastWrite) {
			usage.LastWrite = info.ModTime()
		}
		return nil
	})
	return usage, err
}

func (s *fileStore) readMeta(locator Locator) (entryMeta, error) {
	meta := entryMeta{Status: http.StatusOK}
	metaPath, err := s.metaPath(locator)
	if err != nil {
		return meta, err
	}
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, nil
		}
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode cache metadata: %w", err)
	}
	if meta.Status == 0 {
		meta.Status = http.StatusOK
	}
	return meta, nil
}

func (s *fileStore) partitionExists(name string) (bool, error) {
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) partitionLock(name string) (*sync.RWMutex, error) {
	if err := validatePartition(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.partitions[name]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.partitions[name] = lock
	}
	return lock, nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if err := validatePartition(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, url.PathEscape(name)), nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	return s.underPartition(locator, bodyDir, "")
}

func (s *fileStore) metaPath(locator Locator) (string, error) {
	return s.underPartition(locator, metaDir, metaExt)
}

func (s *fileStore) underPartition(locator Locator, kind, ext string) (string, error) {
	dir, err := s.partitionDir(locator.Partition)
	if err != nil {
		return "", err
	}

	rel := locator.Path
	if rel == "" || rel == "/" {
		rel = "root"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "root"
	}

	root := filepath.Join(dir, kind)
	filePath := filepath.Join(root, filepath.FromSlash(rel)) + ext
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func validatePartition(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return ErrInvalidPartition
	}
	return nil
}

func writeFileAtomic(target string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".meta-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(raw)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Partition + "::" + locator.Path
}
