package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Response 是一次完整缓冲的上游响应。正文只能被消费一次的问题在这里通过
// 缓冲 + Clone 解决：写入缓存与返回调用方各自持有独立的副本。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK 表示状态码落在 2xx 区间。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 返回深拷贝，修改副本不会影响原对象。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     bytes.Clone(r.Body),
		StoredAt: r.StoredAt,
	}
}

// ReadResponse 读取整个缓存条目并还原为 Response。
func ReadResponse(ctx context.Context, store Store, locator Locator) (*Response, error) {
	result, err := store.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:   result.Entry.Status,
		Header:   result.Entry.Header.Clone(),
		Body:     body,
		StoredAt: result.Entry.ModTime,
	}, nil
}
