package main

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/wine-cellar/asset-gate/internal/version"
)

// newVersionCommand 输出注入的版本、提交与构建信息。
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of asset-gate.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version.Full())
			cmd.Printf("  Built:   %s\n", version.Date)
			cmd.Printf("  Runtime: %s\n", runtime.Version())
		},
	}
}
