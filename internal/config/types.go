package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ShutdownTimeout Duration `mapstructure:"ShutdownTimeout"`
}

// OriginConfig 决定拦截器如何识别 manifest / 脚本请求，以及缓存分区如何命名。
type OriginConfig struct {
	// Upstream 是真实的源站地址，所有未命中的请求都转发到这里。
	Upstream string `mapstructure:"Upstream"`
	// Domain 为空时接受任意 Host；非空时只拦截该 Host，其余请求直通。
	Domain       string   `mapstructure:"Domain"`
	ManifestPath string   `mapstructure:"ManifestPath"`
	ScriptPrefix string   `mapstructure:"ScriptPrefix"`
	CachePrefix  string   `mapstructure:"CachePrefix"`
	CoreAssets   []string `mapstructure:"CoreAssets"`
	// ClientBuffer 是每个已连接客户端的消息队列长度，队列满时消息被丢弃。
	ClientBuffer int `mapstructure:"ClientBuffer"`
}

// Config 是 TOML 文件映射的整体结构，两部分都平铺在顶层。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Origin OriginConfig `mapstructure:",squash"`
}

// UpstreamURL 返回解析后的上游地址（假定 Validate 已经通过）。
func (o OriginConfig) UpstreamURL() *url.URL {
	parsed, err := url.Parse(o.Upstream)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// Summary 输出便于日志记录的关键字段。
func (o OriginConfig) Summary() map[string]any {
	return map[string]any{
		"upstream":      o.Upstream,
		"domain":        o.Domain,
		"manifest_path": o.ManifestPath,
		"script_prefix": o.ScriptPrefix,
		"cache_prefix":  o.CachePrefix,
		"core_assets":   len(o.CoreAssets),
	}
}
