package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ShutdownTimeout.DurationValue() < 0 {
		return newFieldError("Global.ShutdownTimeout", "不能为负数")
	}

	o := &c.Origin
	if err := validateUpstream(o.Upstream); err != nil {
		return fmt.Errorf("%s: %w", originField("Upstream"), err)
	}
	if o.Domain != "" {
		if err := validateDomain(o.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField("Domain"), err)
		}
	}
	if !strings.HasPrefix(o.ManifestPath, "/") {
		return newFieldError(originField("ManifestPath"), "必须以 / 开头")
	}
	if !strings.HasPrefix(o.ScriptPrefix, "/") {
		return newFieldError(originField("ScriptPrefix"), "必须以 / 开头")
	}
	if strings.HasPrefix(o.ManifestPath, o.ScriptPrefix) {
		return newFieldError(originField("ManifestPath"), "不能位于 ScriptPrefix 之下")
	}
	if strings.TrimSpace(o.CachePrefix) == "" || strings.HasPrefix(o.CachePrefix, ".") {
		return newFieldError(originField("CachePrefix"), "不能为空且不能以 . 开头")
	}
	for _, asset := range o.CoreAssets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(originField("CoreAssets"), fmt.Sprintf("路径必须以 / 开头: %s", asset))
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
