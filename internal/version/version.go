package version

import "fmt"

// Version/Commit/Date 可在构建时通过 -ldflags 注入，默认使用开发占位符。
// 注意：这是 asset-gate 自身的构建版本，与它所代理应用的版本号无关。
var (
	Version = "0.1.0"
	Commit  = "dev"
	Date    = "unknown"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("asset-gate %s (%s)", Version, Commit)
}
