package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/wine-cellar/asset-gate/internal/cache"
	"github.com/wine-cellar/asset-gate/internal/config"
	"github.com/wine-cellar/asset-gate/internal/partition"
)

// partitionRow 是 partitions 子命令输出的一行。
type partitionRow struct {
	name    string
	owned   bool
	version string
	usage   cache.Usage
}

func newPartitionsCommand(opts func() cliOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "List cache partitions on disk.",
		Long: `List the cache partitions found under StoragePath with their entry count,
size and last write. Only partitions carrying the configured CachePrefix
belong to asset-gate; pass --all to include the others.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runPartitions(ctx, opts(), all, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "同时列出不属于本服务前缀的分区")
	return cmd
}

func runPartitions(ctx context.Context, opts cliOptions, all bool, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("加载配置失败: %w", err)}
	}
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("初始化缓存目录失败: %w", err)}
	}

	rows, err := collectPartitions(ctx, store, cfg.Origin.CachePrefix, all)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if len(rows) == 0 {
		fmt.Fprintf(out, "no partitions under %s\n", cfg.Global.StoragePath)
		return nil
	}
	if err := printPartitionTable(out, rows); err != nil {
		return &exitError{code: 1, err: fmt.Errorf("输出分区表失败: %w", err)}
	}
	return nil
}

func collectPartitions(ctx context.Context, store cache.Store, prefix string, all bool) ([]partitionRow, error) {
	names, err := store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("列出分区失败: %w", err)
	}
	rows := make([]partitionRow, 0, len(names))
	for _, name := range names {
		owned := strings.HasPrefix(name, prefix)
		if !owned && !all {
			continue
		}
		usage, err := store.Usage(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("统计分区 %s 失败: %w", name, err)
		}
		rows = append(rows, partitionRow{
			name:    name,
			owned:   owned,
			version: partitionVersion(name, prefix, owned),
			usage:   usage,
		})
	}
	return rows, nil
}

func partitionVersion(name, prefix string, owned bool) string {
	if !owned {
		return "-"
	}
	token := strings.TrimPrefix(name, prefix)
	if token == partition.RuntimeSuffix {
		return "(unknown)"
	}
	return token
}

func printPartitionTable(out io.Writer, rows []partitionRow) error {
	table := tablewriter.NewWriter(out)
	table.Header([]string{"Partition", "Owned", "Version", "Entries", "Size", "Last Write"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	green := color.New(color.FgGreen).SprintFunc()
	grey := color.New(color.FgHiBlack).SprintFunc()

	data := make([][]string, 0, len(rows))
	for _, row := range rows {
		owned := grey("no")
		if row.owned {
			owned = green("yes")
		}
		lastWrite := "-"
		if !row.usage.LastWrite.IsZero() {
			lastWrite = row.usage.LastWrite.Local().Format(time.DateTime)
		}
		data = append(data, []string{
			row.name,
			owned,
			row.version,
			strconv.Itoa(row.usage.Entries),
			formatBytes(row.usage.SizeBytes),
			lastWrite,
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
