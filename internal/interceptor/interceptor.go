// Package interceptor decides, for every request a client makes to the origin,
// whether it is answered from the versioned cache, fetched fresh, or passed
// straight through. It also drives the install/activate lifecycle that
// establishes the active partition before any request is intercepted.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/wine-cellar/asset-gate/internal/cache"
	"github.com/wine-cellar/asset-gate/internal/config"
	"github.com/wine-cellar/asset-gate/internal/logging"
	"github.com/wine-cellar/asset-gate/internal/manifest"
	"github.com/wine-cellar/asset-gate/internal/origin"
	"github.com/wine-cellar/asset-gate/internal/partition"
)

var (
	// ErrNotReady is returned by the intercepting handlers before Activate has completed.
	ErrNotReady = errors.New("interceptor not activated")
	// ErrUpstream marks failures to reach the origin that could not be recovered from the cache.
	ErrUpstream = errors.New("upstream fetch failed")
	// ErrCache marks storage failures that abort a single request.
	ErrCache = errors.New("cache operation failed")
)

// Fetcher reaches the origin. origin.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req origin.Request) (*cache.Response, error)
	Stream(ctx context.Context, req origin.Request) (*http.Response, error)
}

// Clients is the notification side: broadcasting a new version and taking
// control of connected clients on activation. notify.Hub satisfies it.
type Clients interface {
	Broadcast(version string) int
	Claim() int
}

// Options wires an Interceptor.
type Options struct {
	Origin  config.OriginConfig
	Store   cache.Store
	Fetcher Fetcher
	Clients Clients
	Logger  *logrus.Logger
}

// Interceptor is safe for concurrent use by many request goroutines.
type Interceptor struct {
	domain       string
	manifestPath string
	scriptPrefix string

	store      cache.Store
	writer     cache.ResponseWriter
	fetcher    Fetcher
	clients    Clients
	resolver   *manifest.Resolver
	partitions *partition.Manager
	logger     *logrus.Logger

	installed atomic.Bool
	activated atomic.Bool

	// bgMu 保证 closing 置位之后不会再有 background.Add。
	bgMu       sync.Mutex
	background sync.WaitGroup
	closing    atomic.Bool
}

// New validates opts and builds an interceptor in the not-yet-installed state.
func New(opts Options) (*Interceptor, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Origin.ManifestPath == "" || opts.Origin.ScriptPrefix == "" {
		return nil, errors.New("manifest path and script prefix are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}

	var notifier partition.Notifier
	if opts.Clients != nil {
		notifier = opts.Clients
	}
	manager, err := partition.NewManager(partition.Options{
		Prefix:     opts.Origin.CachePrefix,
		CoreAssets: opts.Origin.CoreAssets,
		Store:      opts.Store,
		Fetcher:    opts.Fetcher,
		Notifier:   notifier,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &Interceptor{
		domain:       opts.Origin.Domain,
		manifestPath: opts.Origin.ManifestPath,
		scriptPrefix: opts.Origin.ScriptPrefix,
		store:        opts.Store,
		writer:       cache.NewResponseWriter(opts.Store),
		fetcher:      opts.Fetcher,
		clients:      opts.Clients,
		resolver:     manifest.NewResolver(opts.Fetcher, opts.Origin.ManifestPath, logger),
		partitions:   manager,
		logger:       logger,
	}, nil
}

// Partitions exposes the namespace manager for diagnostics.
func (i *Interceptor) Partitions() *partition.Manager {
	return i.partitions
}

// Install resolves the current version (best effort), applies it without
// notifying anyone and makes sure the core assets are in the active partition.
// A missing or broken manifest still installs, into the runtime partition.
func (i *Interceptor) Install(ctx context.Context) error {
	version := i.resolver.Resolve(ctx)
	changed, err := i.partitions.ApplyVersion(ctx, version, false)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	// A version change already warmed the new partition.
	if !changed {
		if err := i.partitions.WarmCoreAssets(ctx); err != nil {
			return fmt.Errorf("install: %w", err)
		}
	}
	i.installed.Store(true)

	state := i.partitions.Snapshot()
	i.logger.WithFields(logrus.Fields{
		"action":    "install",
		"version":   string(state.Version),
		"partition": state.Name,
	}).Info("interceptor_installed")
	return nil
}

// Activate applies a version if none is known yet, removes stale partitions
// and takes control of every connected client. Requests are intercepted only
// after Activate returns successfully.
func (i *Interceptor) Activate(ctx context.Context) error {
	if !i.installed.Load() {
		return errors.New("activate: interceptor not installed")
	}
	if !i.partitions.Snapshot().Version.Known() {
		version := i.resolver.Resolve(ctx)
		if _, err := i.partitions.ApplyVersion(ctx, version, false); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}
	if err := i.partitions.CleanupStale(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	claimed := 0
	if i.clients != nil {
		claimed = i.clients.Claim()
	}
	i.activated.Store(true)

	state := i.partitions.Snapshot()
	i.logger.WithFields(logrus.Fields{
		"action":    "activate",
		"version":   string(state.Version),
		"partition": state.Name,
		"claimed":   claimed,
	}).Info("interceptor_activated")
	return nil
}

// Ready reports whether requests are being intercepted.
func (i *Interceptor) Ready() bool {
	return i.activated.Load() && !i.closing.Load()
}

// Installed reports whether Install has completed.
func (i *Interceptor) Installed() bool {
	return i.installed.Load()
}

// Reset drops the in-memory active state, as a restart of the execution
// context would. The next request rebuilds it from storage.
func (i *Interceptor) Reset() {
	i.partitions.Reset()
	i.logger.WithField("action", "reset").Info("active_state_dropped")
}

// Wait blocks until every background refresh has finished or ctx is done.
func (i *Interceptor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intercepting, so no new background work is started, and
// waits for the pending refreshes.
func (i *Interceptor) Shutdown(ctx context.Context) error {
	i.bgMu.Lock()
	i.closing.Store(true)
	i.bgMu.Unlock()
	return i.Wait(ctx)
}

// Status is a diagnostics snapshot.
type Status struct {
	Installed  bool     `json:"installed"`
	Activated  bool     `json:"activated"`
	Version    string   `json:"version"`
	Partition  string   `json:"partition"`
	Partitions []string `json:"partitions"`
}

// Status reports the lifecycle flags, the in-memory active state and the
// owned partitions currently on disk.
func (i *Interceptor) Status(ctx context.Context) (Status, error) {
	state := i.partitions.Snapshot()
	names, err := i.partitions.Partitions(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Installed:  i.installed.Load(),
		Activated:  i.activated.Load(),
		Version:    string(state.Version),
		Partition:  state.Name,
		Partitions: names,
	}, nil
}
