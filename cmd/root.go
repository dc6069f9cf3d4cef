// Package cmd 提供 taskfarm CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/taskfarm/internal/config"
	"yqhp/taskfarm/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   _            _    __
  | |_ __ _ ___| | _/ _| __ _ _ __ _ __ ___
  | __/ _' / __| |/ / |_ / _' | '__| '_ ' _ \
  | || (_| \__ \   <|  _| (_| | |  | | | | | |
   \__\__,_|___/_|\_\_|  \__,_|_|  |_| |_| |_|  %s
`
)

var (
	// 全局配置
	cfgFile   string
	debug     bool
	quiet     bool
	overrides map[string]string
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "taskfarm",
	Short: "主从式任务分发框架",
	Long: `taskfarm 将计算拆分为相互独立的任务，分发到本机多核、志愿者节点
或 Kubernetes 集群上执行，收集结果并处理部分失败。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")
	rootCmd.PersistentFlags().StringToStringVar(&overrides, "set", nil, "覆盖配置项，例如 --set master.max_attempts=5")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 < --set 的顺序加载并校验配置
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	if len(overrides) > 0 {
		loader = loader.WithCmdArgs(overrides)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	} else if quiet {
		cfg.Logging.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger 创建日志实例并替换全局日志
func newLogger(cfg *config.Config) *zap.Logger {
	log := logger.New(cfg.ToLoggerConfig())
	logger.Replace(log)
	return log
}

func printBanner(cmd *cobra.Command) {
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), Banner, Version)
		fmt.Fprintln(cmd.OutOrStdout())
	}
}
