package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wine-cellar/asset-gate/internal/config"
	"github.com/wine-cellar/asset-gate/internal/logging"
)

// configEnv 可覆盖默认配置路径，优先级低于 --config。
const configEnv = "ASSET_GATE_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// exitError 携带子命令希望返回的退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回进程退出码，方便测试。
func execute(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(stdErr, err.Error())
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	// cobra 自身的参数错误。
	return 2
}

func newRootCommand() *cobra.Command {
	var configFlag string
	opts := func() cliOptions {
		return cliOptions{configPath: resolveConfigPath(configFlag)}
	}

	root := &cobra.Command{
		Use:   "asset-gate",
		Short: "Versioned asset-caching proxy in front of a web application origin.",
		Long: `asset-gate sits between browser clients and the application origin.

It serves core scripts from a cache partition bound to the application
version advertised by the origin's manifest, refreshes them in the background,
and pushes a version-update event to every connected client when a new build
ships. Running it without a sub-command starts the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts())
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the proxy (default).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runCheckConfig(opts())
		},
	})
	root.AddCommand(newPartitionsCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

// resolveConfigPath 结合 flag 与环境变量计算最终的配置路径。
func resolveConfigPath(flagValue string) string {
	path := os.Getenv(configEnv)
	if flagValue != "" {
		path = flagValue
	}
	if path == "" {
		path = "config.toml"
	}
	return path
}

func runCheckConfig(opts cliOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("加载配置失败: %w", err)}
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("初始化日志失败: %w", err)}
	}

	fields := logging.BaseFields("check_config", opts.configPath)
	for key, value := range cfg.Origin.Summary() {
		fields[key] = value
	}
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}
