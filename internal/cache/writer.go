package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/textproto"
	"time"
)

// ErrStoreUnavailable 表示未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// 这些头部描述的是单次传输而不是资源本身，落盘时丢弃。
var transientHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Date":              {},
	"Set-Cookie":        {},
	"Content-Length":    {},
	"Content-Encoding":  {},
	"Trailer":           {},
	"Upgrade":           {},
}

// ResponseWriter 把“只缓存 2xx 响应”的策略与写入封装在一起，调用方无需重复判断。
type ResponseWriter struct {
	store Store
	now   func() time.Time
}

// NewResponseWriter 构造写入器，默认使用 time.Now 作为时钟。
func NewResponseWriter(store Store) ResponseWriter {
	return ResponseWriter{
		store: store,
		now:   time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w ResponseWriter) Enabled() bool {
	return w.store != nil
}

// Cacheable 判断响应是否允许落盘。失败或不透明的响应一旦写入就会变成永久错误。
func (w ResponseWriter) Cacheable(resp *Response) bool {
	return resp.OK()
}

// Store 写入 resp 的一个副本；不可缓存时返回 (false, nil)。
func (w ResponseWriter) Store(ctx context.Context, locator Locator, resp *Response) (bool, error) {
	if w.store == nil {
		return false, ErrStoreUnavailable
	}
	if !w.Cacheable(resp) {
		return false, nil
	}
	dup := resp.Clone()
	opts := PutOptions{
		ModTime: extractModTime(dup.Header, w.now),
		Status:  dup.Status,
		Header:  persistableHeaders(dup.Header),
	}
	if _, err := w.store.Put(ctx, locator, bytes.NewReader(dup.Body), opts); err != nil {
		return false, err
	}
	return true, nil
}

func persistableHeaders(src http.Header) http.Header {
	if len(src) == 0 {
		return nil
	}
	dst := make(http.Header, len(src))
	for key, values := range src {
		if _, skip := transientHeaders[textproto.CanonicalMIMEHeaderKey(key)]; skip {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	return dst
}

func extractModTime(header http.Header, now func() time.Time) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return now().UTC()
}
