package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wine-cellar/asset-gate/internal/cache"
	"github.com/wine-cellar/asset-gate/internal/logging"
	"github.com/wine-cellar/asset-gate/internal/manifest"
	"github.com/wine-cellar/asset-gate/internal/origin"
)

// Result is an intercepted response plus where it came from.
type Result struct {
	Response    *cache.Response
	CacheStatus string
	Partition   string
}

// HandleManifest fetches the manifest from the network, bypassing every HTTP
// cache. A successful fetch applies the advertised version, notifying clients
// on change, and the live response is returned whether or not the version
// changed. When the network fails the stored copy in the active partition is
// served instead; without one the failure is returned wrapped in ErrUpstream.
func (i *Interceptor) HandleManifest(ctx context.Context, req origin.Request) (*Result, error) {
	if !i.Ready() {
		return nil, ErrNotReady
	}
	req.Path = i.manifestPath

	resp, fetchErr := i.fetcher.Fetch(ctx, req)
	if fetchErr != nil {
		return i.manifestFallback(ctx, fetchErr)
	}

	version := manifest.FromResponse(resp)
	changed, err := i.partitions.ApplyVersion(ctx, version, true)
	if err != nil {
		return nil, fmt.Errorf("%w: apply version %q: %w", ErrCache, version, err)
	}
	if changed {
		i.logger.WithFields(logrus.Fields{
			"action":  "handle_manifest",
			"version": string(version),
		}).Info("new_version_activated")
	}

	if !resp.OK() {
		return &Result{Response: resp, CacheStatus: CacheNetwork, Partition: i.partitions.Snapshot().Name}, nil
	}
	// 离线时的回退依赖这份副本；只写入与它版本一致的分区。
	name, err := i.partitions.WithVersion(ctx, version, func(active string) error {
		_, err := i.writer.Store(ctx, cache.NewLocator(active, i.manifestPath, ""), resp)
		return err
	})
	if err != nil {
		i.logStoreFailure(ClassManifest, name, err)
	}
	if name == "" {
		name = i.partitions.Snapshot().Name
	}
	return &Result{Response: resp, CacheStatus: CacheNetwork, Partition: name}, nil
}

func (i *Interceptor) manifestFallback(ctx context.Context, fetchErr error) (*Result, error) {
	name, err := i.partitions.EnsureActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}
	cached, err := cache.ReadResponse(ctx, i.store, cache.NewLocator(name, i.manifestPath, ""))
	switch {
	case err == nil:
		i.logger.WithFields(logrus.Fields{
			"action":    "handle_manifest",
			"partition": name,
		}).WithError(fetchErr).Warn("manifest_served_from_cache")
		return &Result{Response: cached, CacheStatus: CacheFallback, Partition: name}, nil
	case errors.Is(err, cache.ErrNotFound):
		return nil, fmt.Errorf("%w: %w", ErrUpstream, fetchErr)
	default:
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}
}

// ServeScript answers a core script request cache first. A hit is returned
// immediately and refreshed in the background for next time; a miss is fetched
// synchronously and stored when successful. Network failures on a miss are
// returned wrapped in ErrUpstream.
func (i *Interceptor) ServeScript(ctx context.Context, req origin.Request) (*Result, error) {
	if !i.Ready() {
		return nil, ErrNotReady
	}
	name, err := i.partitions.EnsureActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}
	locator := cache.NewLocator(name, req.Path, req.RawQuery)

	cached, err := cache.ReadResponse(ctx, i.store, locator)
	switch {
	case err == nil:
		i.refreshInBackground(ctx, locator, req)
		return &Result{Response: cached, CacheStatus: CacheHit, Partition: name}, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		i.logger.WithFields(logging.RequestFields(ClassScript.String(), req.Path, name, CacheMiss)).
			WithError(err).Warn("cache_get_failed")
	}

	resp, err := i.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if _, err := i.writer.Store(ctx, locator, resp); err != nil {
		if !errors.Is(err, cache.ErrPartitionNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrCache, err)
		}
		// 分区在回源期间被新版本替换，本次结果不再落盘。
		i.logStoreFailure(ClassScript, name, err)
	}
	return &Result{Response: resp, CacheStatus: CacheMiss, Partition: name}, nil
}

// refreshInBackground refetches a cached entry without holding up the caller.
// The work outlives the request, so it runs on a context that is not
// cancelled with it, and it is tracked for Wait/Shutdown.
func (i *Interceptor) refreshInBackground(ctx context.Context, locator cache.Locator, req origin.Request) {
	i.bgMu.Lock()
	if i.closing.Load() {
		i.bgMu.Unlock()
		return
	}
	i.background.Add(1)
	i.bgMu.Unlock()

	detached := context.WithoutCancel(ctx)
	req.Header = req.Header.Clone()
	req.Body = nil
	go func() {
		defer i.background.Done()
		i.refresh(detached, locator, req)
	}()
}

func (i *Interceptor) refresh(ctx context.Context, locator cache.Locator, req origin.Request) {
	started := time.Now()
	fields := logging.RequestFields(ClassScript.String(), req.Path, locator.Partition, CacheHit)
	fields["action"] = "refresh"

	resp, err := i.fetcher.Fetch(ctx, req)
	if err != nil {
		i.logger.WithFields(fields).WithError(err).Warn("refresh_failed")
		return
	}
	fields["upstream_status"] = resp.Status
	stored, err := i.writer.Store(ctx, locator, resp)
	switch {
	case errors.Is(err, cache.ErrPartitionNotFound):
		i.logger.WithFields(fields).Debug("refresh_partition_superseded")
	case err != nil:
		i.logger.WithFields(fields).WithError(err).Warn("refresh_failed")
	case !stored:
		i.logger.WithFields(fields).Warn("refresh_not_cacheable")
	default:
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		i.logger.WithFields(fields).Debug("refresh_complete")
	}
}

// Passthrough forwards a request the interceptor does not handle. The caller
// owns the returned body.
func (i *Interceptor) Passthrough(ctx context.Context, req origin.Request) (*http.Response, error) {
	resp, err := i.fetcher.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return resp, nil
}

func (i *Interceptor) logStoreFailure(class Class, partition string, err error) {
	i.logger.WithFields(logrus.Fields{
		"action":    "cache_store",
		"class":     class.String(),
		"partition": partition,
	}).WithError(err).Warn("cache_store_failed")
}
