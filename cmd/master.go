package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/taskfarm/api/rest"
	"yqhp/taskfarm/internal/backend"
	"yqhp/taskfarm/internal/backend/grid"
	"yqhp/taskfarm/internal/backend/local"
	"yqhp/taskfarm/internal/backend/volunteer"
	"yqhp/taskfarm/internal/config"
	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/internal/payload"
)

var (
	// master start 命令的 flags
	masterAddress  string
	masterBackends []string

	// master status 命令的 flags
	statusURL string
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点负责任务调度、结果收集和失败重试。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点，开始接受任务提交并分发到已启用的后端。

Master 节点负责：
  - 发现各后端的可用 Worker
  - 按能力标签匹配任务与 Worker
  - 失败重试与超时处理
  - 提供 REST API 与志愿者工作单元接口`,
	Example: `  # 使用默认配置启动（仅本机后端）
  taskfarm master start

  # 同时启用志愿者节点与 Kubernetes 后端
  taskfarm master start --backends local,boinc,grid --set grid.image=taskfarm:latest

  # 使用配置文件
  taskfarm master start --config taskfarm.yaml`,
	RunE: runMasterStart,
}

// masterStatusCmd 是 master status 子命令
var masterStatusCmd = &cobra.Command{
	Use:     "status",
	Short:   "查看 Master 节点状态",
	Example: `  taskfarm master status --url http://localhost:8080`,
	RunE:    runMasterStatus,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)
	masterCmd.AddCommand(masterStatusCmd)

	masterStartCmd.Flags().StringVar(&masterAddress, "address", ":8080", "HTTP 服务地址")
	masterStartCmd.Flags().StringSliceVar(&masterBackends, "backends", nil, "启用的后端: local, boinc, grid")

	masterStatusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:8080", "Master 节点地址")
}

// masterNode 是 master start 组装出的全部组件
type masterNode struct {
	scheduler    *master.Scheduler
	server       *rest.Server
	checkpointer master.Checkpointer
}

// buildMaster 根据配置组装后端、检查点、调度器和 REST 服务
func buildMaster(cfg *config.Config, log *zap.Logger) (*masterNode, error) {
	var (
		adapters []backend.Adapter
		mounters []rest.RouteMounter
	)

	for _, name := range cfg.Master.Backends {
		switch strings.ToLower(name) {
		case "local":
			runner := payload.NewRunner(nil, cfg.Local.PayloadTimeout)
			a, err := local.NewAdapter(cfg.LocalAdapterConfig(), runner, log)
			if err != nil {
				return nil, fmt.Errorf("创建本机后端失败: %w", err)
			}
			adapters = append(adapters, a)
		case "boinc":
			a := volunteer.NewAdapter(cfg.VolunteerAdapterConfig(), log)
			adapters = append(adapters, a)
			mounters = append(mounters, a)
		case "grid":
			a, err := grid.NewAdapter(cfg.GridAdapterConfig(), log)
			if err != nil {
				return nil, fmt.Errorf("创建 Kubernetes 后端失败: %w", err)
			}
			adapters = append(adapters, a)
		default:
			return nil, fmt.Errorf("不支持的后端: %s", name)
		}
	}

	checkpointer, err := newCheckpointer(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	schedCfg := cfg.ToSchedulerConfig()
	schedCfg.Logger = log
	schedCfg.Checkpointer = checkpointer
	scheduler, err := master.NewScheduler(schedCfg, adapters...)
	if err != nil {
		if checkpointer != nil {
			_ = checkpointer.Close()
		}
		return nil, fmt.Errorf("创建调度器失败: %w", err)
	}

	server := rest.NewServer(scheduler, &rest.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		EnableCORS:   cfg.Server.EnableCORS,
		MaxWait:      cfg.Server.MaxWait,
		AccessLog:    debug,
	}, log, mounters...)

	return &masterNode{scheduler: scheduler, server: server, checkpointer: checkpointer}, nil
}

// newCheckpointer 根据配置创建检查点存储，type 为 none 时返回 nil
func newCheckpointer(cfg config.CheckpointConfig) (master.Checkpointer, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return nil, nil
	case "file":
		c, err := master.NewFileCheckpointer(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("创建文件检查点失败: %w", err)
		}
		return c, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return master.NewRedisCheckpointer(client, cfg.RedisKey), nil
	default:
		return nil, fmt.Errorf("不支持的检查点类型: %s", cfg.Type)
	}
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("address") {
		setOverride("server.address", masterAddress)
	}
	if cmd.Flags().Changed("backends") {
		setOverride("master.backends", strings.Join(masterBackends, ","))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	node, err := buildMaster(cfg, log)
	if err != nil {
		return err
	}
	if node.checkpointer != nil {
		defer node.checkpointer.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	printBanner(cmd)
	if !quiet {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "  Master ID: %s\n", node.scheduler.ID())
		fmt.Fprintf(out, "  HTTP 地址: %s\n", cfg.Server.Address)
		fmt.Fprintf(out, "  后端: %s\n", strings.Join(cfg.Master.Backends, ", "))
		fmt.Fprintln(out)
	}

	if err := node.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("启动调度器失败: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- node.server.Start()
	}()

	select {
	case <-sigCh:
		log.Info("shutdown requested, finalizing")
	case err := <-serveErr:
		if err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}

	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), cfg.Master.FinalizeGrace+30*time.Second)
	defer finalizeCancel()
	finalizeErr := node.scheduler.Finalize(finalizeCtx)

	if err := node.server.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	if finalizeErr != nil {
		node.scheduler.Stop()
		return fmt.Errorf("停止 Master 失败: %w", finalizeErr)
	}

	st := node.scheduler.Status()
	log.Info("master stopped",
		zap.Int("succeeded", st.Succeeded),
		zap.Int("failed", st.Failed),
		zap.Int64("retried", st.Retried))
	return nil
}

func setOverride(key, value string) {
	if overrides == nil {
		overrides = make(map[string]string)
	}
	overrides[key] = value
}

func runMasterStatus(cmd *cobra.Command, args []string) error {
	agent := fiber.AcquireClient().Get(strings.TrimRight(statusURL, "/") + "/api/v1/status")
	agent.Timeout(10 * time.Second)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("无法连接 Master %s: %w", statusURL, errs[0])
	}
	if code != fiber.StatusOK {
		return fmt.Errorf("Master 返回 HTTP %d: %s", code, string(body))
	}

	var st rest.StatusResponse
	if err := sonic.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("解析状态失败: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Master %s (%s)\n", st.ID, st.State)
	fmt.Fprintf(out, "  任务: 排队 %d, 执行中 %d, 成功 %d, 失败 %d\n", st.Queued, st.InFlight, st.Succeeded, st.Failed)
	fmt.Fprintf(out, "  已提交 %d, 已分发 %d, 重试 %d\n", st.Submitted, st.Dispatched, st.Retried)
	for state, n := range st.Workers {
		fmt.Fprintf(out, "  Worker %s: %d\n", state, n)
	}
	if st.Execution.Count > 0 {
		fmt.Fprintf(out, "  执行耗时: p50 %s, p95 %s, p99 %s\n", st.Execution.P50, st.Execution.P95, st.Execution.P99)
	}
	return nil
}
