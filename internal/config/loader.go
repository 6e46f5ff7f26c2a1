package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 与源站约定的默认值。
const (
	DefaultManifestPath = "/version.json"
	DefaultScriptPrefix = "/js/"
	DefaultCachePrefix  = "wine-cellar-assets-"
	DefaultClientBuffer = 8
)

// DefaultCoreAssets 是安装阶段必须预取的脚本。
var DefaultCoreAssets = []string{"/js/main.js"}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyOriginDefaults(&cfg.Origin)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ShutdownTimeout", "10s")
	v.SetDefault("ManifestPath", DefaultManifestPath)
	v.SetDefault("ScriptPrefix", DefaultScriptPrefix)
	v.SetDefault("CachePrefix", DefaultCachePrefix)
	v.SetDefault("CoreAssets", DefaultCoreAssets)
	v.SetDefault("ClientBuffer", DefaultClientBuffer)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ShutdownTimeout.DurationValue() == 0 {
		g.ShutdownTimeout = Duration(10 * time.Second)
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	if strings.TrimSpace(o.ManifestPath) == "" {
		o.ManifestPath = DefaultManifestPath
	}
	if strings.TrimSpace(o.ScriptPrefix) == "" {
		o.ScriptPrefix = DefaultScriptPrefix
	}
	if o.CachePrefix == "" {
		o.CachePrefix = DefaultCachePrefix
	}
	if o.CoreAssets == nil {
		o.CoreAssets = append([]string(nil), DefaultCoreAssets...)
	}
	if o.ClientBuffer <= 0 {
		o.ClientBuffer = DefaultClientBuffer
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
