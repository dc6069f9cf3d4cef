package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"yqhp/taskfarm/internal/backend/local"
	"yqhp/taskfarm/internal/mapreduce"
	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/internal/payload"
	"yqhp/taskfarm/pkg/types"
)

var (
	// wordcount 命令的 flags
	wordcountReducers int
	wordcountWorkers  int
	wordcountTop      int
	wordcountTimeout  time.Duration
)

// wordcountCmd 在本机后端上用 MapReduce 统计词频
var wordcountCmd = &cobra.Command{
	Use:     "wordcount <file>...",
	Short:   "用 MapReduce 统计文件词频",
	Long:    `每个文件一个 map 任务，按单词哈希分桶到 reducer，输出出现次数最多的单词。`,
	Example: `  taskfarm wordcount --reducers 4 --top 20 books/*.txt`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runWordCount,
}

func init() {
	rootCmd.AddCommand(wordcountCmd)

	wordcountCmd.Flags().IntVar(&wordcountReducers, "reducers", 4, "reducer 数量")
	wordcountCmd.Flags().IntVar(&wordcountWorkers, "workers", 0, "本机执行槽位数，默认等于 CPU 核数")
	wordcountCmd.Flags().IntVar(&wordcountTop, "top", 10, "输出前 N 个单词，0 表示全部")
	wordcountCmd.Flags().DurationVar(&wordcountTimeout, "timeout", 10*time.Minute, "每个阶段的超时时间")
}

func runWordCount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	localCfg := cfg.LocalAdapterConfig()
	if wordcountWorkers > 0 {
		localCfg.Workers = wordcountWorkers
	}
	adapter, err := local.NewAdapter(localCfg, payload.NewRunner(nil, cfg.Local.PayloadTimeout), log)
	if err != nil {
		return err
	}

	schedCfg := cfg.ToSchedulerConfig()
	schedCfg.Logger = log
	scheduler, err := master.NewScheduler(schedCfg, adapter)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = scheduler.Finalize(ctx) }()

	items := make([]any, len(args))
	for i, path := range args {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		items[i] = abs
	}

	out, err := mapreduce.MapReduce(ctx, scheduler, items, "wordcount.map", "wordcount.reduce", wordcountReducers,
		&mapreduce.Options{Timeout: wordcountTimeout})
	if err != nil {
		return err
	}

	counts, err := types.AsKeyValues(out)
	if err != nil {
		return fmt.Errorf("unexpected reduce output: %w", err)
	}
	printTopWords(cmd, counts, wordcountTop)
	return nil
}

func printTopWords(cmd *cobra.Command, counts []types.KeyValue, top int) {
	type wordCount struct {
		word string
		n    int
	}
	words := make([]wordCount, 0, len(counts))
	for _, kv := range counts {
		n, err := payload.ToFloat(kv.Value)
		if err != nil {
			continue
		}
		words = append(words, wordCount{kv.Key, int(n)})
	}
	sort.Slice(words, func(i, j int) bool {
		if words[i].n != words[j].n {
			return words[i].n > words[j].n
		}
		return words[i].word < words[j].word
	})
	if top > 0 && len(words) > top {
		words = words[:top]
	}

	w := cmd.OutOrStdout()
	for _, wc := range words {
		fmt.Fprintf(w, "%8d  %s\n", wc.n, wc.word)
	}
}
