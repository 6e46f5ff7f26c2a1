package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Store 负责管理按分区组织的磁盘缓存。磁盘布局遵循：
//
//	<StoragePath>/<partition>/body/<path>        # 响应正文
//	<StoragePath>/<partition>/meta/<path>.json   # 状态码 + 响应头
//
// 分区名是不透明字符串，落盘时做 URL path 转义，因此任意版本号都可以作为分区名。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。分区或条目不存在时返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将上游响应写入缓存。目标分区必须已经存在，否则返回 ErrPartitionNotFound，
	// 避免已被清理的分区被迟到的写入重新创建。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// Partitions 返回磁盘上现存的全部分区名，按字典序排列。
	Partitions(ctx context.Context) ([]string, error)

	// CreatePartition 创建分区目录，已存在时不做任何事。
	CreatePartition(ctx context.Context, name string) error

	// DeletePartition 删除整个分区，重复删除是 no-op。
	DeletePartition(ctx context.Context, name string) error

	// Usage 统计分区中的条目数与正文字节数；分区不存在时返回 ErrPartitionNotFound。
	Usage(ctx context.Context, name string) (Usage, error)
}

// Usage 描述单个分区的磁盘占用。
type Usage struct {
	Entries   int       `json:"entries"`
	SizeBytes int64     `json:"size_bytes"`
	LastWrite time.Time `json:"last_write"`
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
	Status  int
	Header  http.Header
}

// Locator 唯一定位一个缓存条目（分区 + 相对路径），路径均为 URL 路径风格。
type Locator struct {
	Partition string
	Path      string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径、文件信息以及上游响应的状态与头部。
type Entry struct {
	Locator   Locator     `json:"locator"`
	FilePath  string      `json:"file_path"`
	SizeBytes int64       `json:"size_bytes"`
	ModTime   time.Time   `json:"mod_time"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrPartitionNotFound 表示写入目标分区不存在（从未创建或已被清理）。
	ErrPartitionNotFound = errors.New("cache partition not found")
	// ErrInvalidPartition 表示分区名为空或包含非法字符。
	ErrInvalidPartition = errors.New("invalid partition name")
)

// NewLocator 根据请求路径与查询串生成缓存定位。带查询串的请求落到
// 与 <path> 同级的 <path>.__qs_<sha1(query)>，避免不同查询串互相覆盖，
// 也避免同一路径既要作为文件又要作为目录。
func NewLocator(partition, path, rawQuery string) Locator {
	if strings.HasSuffix(path, "/") {
		path += "__index"
	}
	if rawQuery != "" {
		sum := sha1.Sum([]byte(rawQuery))
		path = fmt.Sprintf("%s.__qs_%s", path, hex.EncodeToString(sum[:]))
	}
	return Locator{Partition: partition, Path: path}
}
