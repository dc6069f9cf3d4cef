package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/taskfarm/internal/backend/volunteer"
	"yqhp/taskfarm/internal/payload"
)

var (
	// volunteer 命令的 flags
	volunteerMaster string
	volunteerSlots  int
	volunteerTags   []string
)

// volunteerCmd 以志愿者身份加入 Master
var volunteerCmd = &cobra.Command{
	Use:   "volunteer",
	Short: "以志愿者节点身份为 Master 执行任务",
	Long: `向 Master 注册本机，周期性领取工作单元并回传结果。
Master 需要启用 boinc 后端。`,
	Example: `  taskfarm volunteer --master http://master:8080 --slots 4 --tags gpu`,
	RunE:    runVolunteer,
}

func init() {
	rootCmd.AddCommand(volunteerCmd)

	volunteerCmd.Flags().StringVar(&volunteerMaster, "master", "", "Master 地址，例如 http://localhost:8080")
	volunteerCmd.Flags().IntVar(&volunteerSlots, "slots", 0, "并发执行槽位数，默认等于 CPU 核数")
	volunteerCmd.Flags().StringSliceVar(&volunteerTags, "tags", nil, "额外的能力标签")
}

func runVolunteer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	clientCfg := cfg.VolunteerClientConfig()
	if cmd.Flags().Changed("master") {
		clientCfg.MasterURL = volunteerMaster
	}
	if volunteerSlots > 0 {
		clientCfg.Slots = volunteerSlots
	}
	if len(volunteerTags) > 0 {
		clientCfg.Tags = append(clientCfg.Tags, volunteerTags...)
	}

	client := volunteer.NewClient(clientCfg, payload.NewRunner(nil, cfg.Volunteer.PayloadTimeout), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Info("shutdown requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	printBanner(cmd)
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "  Master: %s\n  槽位: %d\n\n", clientCfg.MasterURL, clientCfg.Slots)
	}

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("志愿者节点退出: %w", err)
	}
	log.Info("volunteer stopped", zap.String("volunteer_id", client.ID()))
	return nil
}
