package main

import (
	"context"
	"strings"
	"testing"
)

func TestResolveConfigPathPriority(t *testing.T) {
	t.Setenv(configEnv, "/tmp/env.toml")

	if got := resolveConfigPath(""); got != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", got)
	}
	if got := resolveConfigPath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", got)
	}

	t.Setenv(configEnv, "")
	if got := resolveConfigPath(""); got != "config.toml" {
		t.Fatalf("缺省应回落到 config.toml，得到 %s", got)
	}
}

func TestCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"check-config", "--config", configFixture(t, "valid.toml")})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrBuffer().String())
	}
}

func TestCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"check-config", "--config", configFixture(t, "missing.toml")})
	if code != 1 {
		t.Fatalf("缺少 Upstream 应返回退出码 1，得到 %d", code)
	}
	if !strings.Contains(stdErrBuffer().String(), "Upstream") {
		t.Fatalf("错误输出应指出缺失字段，得到 %s", stdErrBuffer().String())
	}
}

func TestCheckConfigUsesEnvironment(t *testing.T) {
	useBufferWriters(t)
	t.Setenv(configEnv, configFixture(t, "valid.toml"))
	if code := execute([]string{"check-config"}); code != 0 {
		t.Fatalf("环境变量指定的配置应通过校验，得到 %d", code)
	}
}

func TestVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"version"})
	if code != 0 {
		t.Fatalf("version 应成功退出，得到 %d", code)
	}
	out := stdOutBuffer().String()
	if !strings.Contains(out, "asset-gate") || !strings.Contains(out, "Runtime:") {
		t.Fatalf("version 输出缺少标识: %s", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	useBufferWriters(t)
	if code := execute([]string{"frobnicate"}); code != 2 {
		t.Fatalf("未知子命令应返回 2，得到 %d", code)
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	useBufferWriters(t)
	err := runServe(context.Background(), cliOptions{configPath: configFixture(t, "missing.toml")})
	if err == nil {
		t.Fatal("无效配置不应启动服务")
	}
	if code := err.(*exitError).code; code != 1 {
		t.Fatalf("期望退出码 1，得到 %d", code)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:           "0 B",
		512:         "512 B",
		2048:        "2.0 KiB",
		5 << 20:     "5.0 MiB",
		3 << 30 / 2: "1.5 GiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %s, want %s", in, got, want)
		}
	}
}
