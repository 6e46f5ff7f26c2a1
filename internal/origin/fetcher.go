package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/wine-cellar/asset-gate/internal/cache"
)

// MaxBufferedBody 限制可缓冲（也就是可缓存）的响应体大小。
const MaxBufferedBody = 32 << 20

// ErrBodyTooLarge 表示响应体超过 MaxBufferedBody。
var ErrBodyTooLarge = errors.New("upstream body exceeds buffer limit")

// Request 描述一次回源请求。Path 总是以 / 开头，RawQuery 不含 '?'。
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	// Body 仅用于直通请求。
	Body io.Reader
}

// Fetcher 以固定的 base URL 访问源站。
type Fetcher struct {
	client *http.Client
	base   *url.URL
}

// NewFetcher 使用共享 client 构造 Fetcher。
func NewFetcher(client *http.Client, base *url.URL) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, base: base}
}

// Fetch 绕过一切 HTTP 缓存（Cache-Control: no-store）取回完整响应并缓冲在内存中。
// 只有网络层错误才会返回 error，非 2xx 状态码照常返回，由调用方决定如何处理。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	upstreamReq, err := f.newRequest(ctx, method, req, http.NoBody)
	if err != nil {
		return nil, err
	}
	upstreamReq.Header.Set("Cache-Control", "no-store")
	upstreamReq.Header.Set("Pragma", "no-cache")
	upstreamReq.Header.Del("If-None-Match")
	upstreamReq.Header.Del("If-Modified-Since")

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBufferedBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if len(body) > MaxBufferedBody {
		return nil, ErrBodyTooLarge
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Stream 原样转发请求并返回未读取的上游响应，调用方负责关闭 Body。
func (f *Fetcher) Stream(ctx context.Context, req Request) (*http.Response, error) {
	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	upstreamReq, err := f.newRequest(ctx, method, req, body)
	if err != nil {
		return nil, err
	}
	return f.client.Do(upstreamReq)
}

// URL 返回请求对应的完整上游地址，主要用于日志。
func (f *Fetcher) URL(req Request) *url.URL {
	return f.resolve(req)
}

func (f *Fetcher) newRequest(ctx context.Context, method string, req Request, body io.Reader) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := f.resolve(req)
	upstreamReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		CopyHeaders(upstreamReq.Header, req.Header)
	}
	// 交给 Transport 处理压缩，缓存中保存的永远是解压后的正文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = target.Host
	return upstreamReq, nil
}

func (f *Fetcher) resolve(req Request) *url.URL {
	clean := req.Path
	if clean == "" {
		clean = "/"
	}
	clean = path.Clean("/" + clean)
	if strings.HasSuffix(req.Path, "/") && clean != "/" {
		clean += "/"
	}
	base := f.base
	if base == nil {
		base = &url.URL{}
	}
	resolved := *base
	resolved.Path = strings.TrimRight(base.Path, "/") + clean
	resolved.RawPath = ""
	resolved.RawQuery = req.RawQuery
	return &resolved
}
