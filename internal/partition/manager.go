// Package partition owns the mapping from application version to cache
// partition. Exactly one partition is active at a time; every other partition
// whose name carries the configured prefix is stale and gets deleted.
//
// The in-memory active state is only a cache of what is on disk. Any reader
// that finds it empty rebuilds it from the partition names in the store, so
// the manager survives a process restart (or Reset) mid-session.
package partition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wine-cellar/asset-gate/internal/cache"
	"github.com/wine-cellar/asset-gate/internal/logging"
	"github.com/wine-cellar/asset-gate/internal/manifest"
	"github.com/wine-cellar/asset-gate/internal/origin"
)

// RuntimeSuffix names the placeholder partition used while no version is known.
const RuntimeSuffix = "runtime"

const warmConcurrency = 4

// NameFor derives the partition name for a version.
func NameFor(prefix string, version manifest.Token) string {
	if !version.Known() {
		return prefix + RuntimeSuffix
	}
	return prefix + string(version)
}

// State is the active version and partition. Name is either empty or
// NameFor(prefix, Version).
type State struct {
	Version manifest.Token `json:"version"`
	Name    string         `json:"name"`
}

// Fetcher retrieves core assets from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, req origin.Request) (*cache.Response, error)
}

// Notifier receives version changes that should reach clients.
type Notifier interface {
	Broadcast(version string) int
}

// Options configures a Manager.
type Options struct {
	Prefix     string
	CoreAssets []string
	Store      cache.Store
	Fetcher    Fetcher
	Notifier   Notifier
	Logger     *logrus.Logger
}

// Manager serialises version transitions and tracks the active partition.
type Manager struct {
	prefix   string
	assets   []string
	store    cache.Store
	writer   cache.ResponseWriter
	fetcher  Fetcher
	notifier Notifier
	logger   *logrus.Logger

	mu    sync.RWMutex
	state State

	// transition is held for the whole of ApplyVersion, CleanupStale,
	// WithVersion and the slow path of EnsureActive.
	transition sync.Mutex
	inflight   singleflight.Group
}

// NewManager validates opts and builds a Manager with empty in-memory state.
func NewManager(opts Options) (*Manager, error) {
	if opts.Prefix == "" {
		return nil, errors.New("partition prefix is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Manager{
		prefix:   opts.Prefix,
		assets:   append([]string(nil), opts.CoreAssets...),
		store:    opts.Store,
		writer:   cache.NewResponseWriter(opts.Store),
		fetcher:  opts.Fetcher,
		notifier: opts.Notifier,
		logger:   logger,
	}, nil
}

// Prefix returns the partition name prefix owned by this manager.
func (m *Manager) Prefix() string {
	return m.prefix
}

// Owns reports whether a partition name belongs to this manager.
func (m *Manager) Owns(name string) bool {
	return strings.HasPrefix(name, m.prefix)
}

// Snapshot returns the in-memory state without consulting the store.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reset forgets the in-memory state, as if the process had been restarted.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.state = State{}
	m.mu.Unlock()
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// EnsureActive returns the active partition name. With empty memory it adopts
// an existing prefixed partition from the store, or creates one for the
// currently known version (possibly the runtime placeholder). Once a partition
// is active further calls touch neither the store nor the state.
func (m *Manager) EnsureActive(ctx context.Context) (string, error) {
	if name := m.Snapshot().Name; name != "" {
		return name, nil
	}
	m.transition.Lock()
	defer m.transition.Unlock()
	return m.ensureActiveLocked(ctx)
}

func (m *Manager) ensureActiveLocked(ctx context.Context) (string, error) {
	current := m.Snapshot()
	if current.Name != "" {
		return current.Name, nil
	}

	names, err := m.store.Partitions(ctx)
	if err != nil {
		return "", fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if !m.Owns(name) {
			continue
		}
		version := manifest.Token(strings.TrimPrefix(name, m.prefix))
		if version == RuntimeSuffix {
			version = ""
		}
		m.setState(State{Version: version, Name: name})
		m.logger.WithFields(logrus.Fields{
			"action":    "ensure_active",
			"partition": name,
			"version":   string(version),
		}).Info("partition_adopted")
		return name, nil
	}

	name := NameFor(m.prefix, current.Version)
	if err := m.store.CreatePartition(ctx, name); err != nil {
		return "", fmt.Errorf("create partition %s: %w", name, err)
	}
	m.setState(State{Version: current.Version, Name: name})
	m.logger.WithFields(logrus.Fields{
		"action":    "ensure_active",
		"partition": name,
		"version":   string(current.Version),
	}).Info("partition_created")
	return name, nil
}

// ApplyVersion makes next the active version. It is a no-op returning false
// when next is unknown or already active. Otherwise it creates and populates
// the new partition with the core assets, switches to it, deletes every other
// prefixed partition and, when notify is set, broadcasts the new version.
//
// Transitions never overlap. Concurrent calls for the same version and notify
// flag share one execution; calls for different versions run one after the
// other, so the last applied version wins.
func (m *Manager) ApplyVersion(ctx context.Context, next manifest.Token, notify bool) (bool, error) {
	if !next.Known() {
		_, err := m.EnsureActive(ctx)
		return false, err
	}

	// 客户端断开不应打断一次进行到一半的切换。
	ctx = context.WithoutCancel(ctx)
	key := fmt.Sprintf("%s|%t", next, notify)
	changed, err, _ := m.inflight.Do(key, func() (interface{}, error) {
		return m.apply(ctx, next, notify)
	})
	if err != nil {
		return false, err
	}
	return changed.(bool), nil
}

func (m *Manager) apply(ctx context.Context, next manifest.Token, notify bool) (bool, error) {
	m.transition.Lock()
	defer m.transition.Unlock()

	if _, err := m.ensureActiveLocked(ctx); err != nil {
		return false, err
	}
	prev := m.Snapshot()
	if prev.Version == next {
		return false, nil
	}

	name := NameFor(m.prefix, next)
	if err := m.store.CreatePartition(ctx, name); err != nil {
		return false, fmt.Errorf("create partition %s: %w", name, err)
	}
	// 先填充再切换：切换之前读者仍然拿到完整的旧分区。
	m.warm(ctx, name)
	m.setState(State{Version: next, Name: name})

	if err := m.cleanupLocked(ctx); err != nil {
		return true, err
	}

	fields := logging.VersionFields("apply_version", string(prev.Version), string(next))
	fields["partition"] = name
	fields["notify"] = notify
	m.logger.WithFields(fields).Info("version_applied")

	if notify && m.notifier != nil {
		m.notifier.Broadcast(string(next))
	}
	return true, nil
}

// WarmCoreAssets fetches the core asset list into the active partition.
// Individual fetch failures are logged and ignored.
func (m *Manager) WarmCoreAssets(ctx context.Context) error {
	name, err := m.EnsureActive(ctx)
	if err != nil {
		return err
	}
	m.warm(ctx, name)
	return nil
}

func (m *Manager) warm(ctx context.Context, partition string) {
	if len(m.assets) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(warmConcurrency)
	for _, asset := range m.assets {
		g.Go(func() error {
			m.warmOne(ctx, partition, asset)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) warmOne(ctx context.Context, partition, asset string) {
	fields := logrus.Fields{
		"action":    "warm_asset",
		"partition": partition,
		"path":      asset,
	}
	resp, err := m.fetcher.Fetch(ctx, origin.Request{Path: asset})
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("warm_fetch_failed")
		return
	}
	fields["upstream_status"] = resp.Status
	stored, err := m.writer.Store(ctx, cache.NewLocator(partition, asset, ""), resp)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("warm_store_failed")
		return
	}
	if !stored {
		m.logger.WithFields(fields).Warn("warm_not_cacheable")
		return
	}
	m.logger.WithFields(fields).Debug("warm_complete")
}

// WithVersion runs fn against the active partition while no transition can
// start, but only when the active version is still version. It returns the
// active partition name either way; fn's error is returned unchanged.
func (m *Manager) WithVersion(ctx context.Context, version manifest.Token, fn func(name string) error) (string, error) {
	m.transition.Lock()
	defer m.transition.Unlock()

	name, err := m.ensureActiveLocked(ctx)
	if err != nil {
		return "", err
	}
	if m.Snapshot().Version != version {
		return name, nil
	}
	return name, fn(name)
}

// CleanupStale deletes every prefixed partition except the active one.
// Partitions without the prefix are never touched.
func (m *Manager) CleanupStale(ctx context.Context) error {
	m.transition.Lock()
	defer m.transition.Unlock()
	if _, err := m.ensureActiveLocked(ctx); err != nil {
		return err
	}
	return m.cleanupLocked(ctx)
}

func (m *Manager) cleanupLocked(ctx context.Context) error {
	active := m.Snapshot().Name
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	var errs []error
	for _, name := range names {
		if !m.Owns(name) || name == active {
			continue
		}
		if err := m.store.DeletePartition(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete partition %s: %w", name, err))
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"action":    "cleanup",
			"partition": name,
			"active":    active,
		}).Info("partition_deleted")
	}
	return errors.Join(errs...)
}

// Partitions lists the prefixed partitions currently on disk.
func (m *Manager) Partitions(ctx context.Context) ([]string, error) {
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	owned := names[:0]
	for _, name := range names {
		if m.Owns(name) {
			owned = append(owned, name)
		}
	}
	return owned, nil
}
