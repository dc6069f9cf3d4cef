package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"yqhp/taskfarm/internal/backend/grid"
	"yqhp/taskfarm/internal/payload"
	"yqhp/taskfarm/pkg/types"
)

// execCmd 是 Kubernetes Job 容器内的入口
var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "在 Job 容器中执行一个任务",
	Long: `读取 grid 后端注入的环境变量和挂载的输入，执行任务负载，
把结果的 JSON 作为最后一行输出到 stdout。失败时把错误信息输出到 stderr 并以非零状态退出。`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)
}

// taskFromEnv 根据环境变量重建任务
func taskFromEnv() (*types.Task, error) {
	task := &types.Task{
		ID: os.Getenv(grid.EnvTaskID),
		Payload: types.Payload{
			Kind:  types.PayloadKind(os.Getenv(grid.EnvPayloadKind)),
			Ref:   os.Getenv(grid.EnvPayloadRef),
			Entry: os.Getenv(grid.EnvPayloadEntry),
		},
	}

	if raw := os.Getenv(grid.EnvPayloadArgs); raw != "" && raw != "null" {
		if err := sonic.UnmarshalString(raw, &task.Payload.Args); err != nil {
			return nil, fmt.Errorf("解析 %s 失败: %w", grid.EnvPayloadArgs, err)
		}
	}

	inputPath := os.Getenv(grid.EnvInputPath)
	if inputPath != "" {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return nil, fmt.Errorf("读取输入失败: %w", err)
		}
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := sonic.Unmarshal(data, &task.Input); err != nil {
				return nil, fmt.Errorf("解析输入失败: %w", err)
			}
		}
	}

	if dir := os.Getenv(grid.EnvAttachmentDir); dir != "" {
		attachments, err := listAttachments(dir, inputPath, task.Payload.Ref)
		if err != nil {
			return nil, err
		}
		task.Attachments = attachments
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// listAttachments 列出挂载目录中除输入和脚本以外的文件。
// ConfigMap 卷中以 ".." 开头的条目是内部的符号链接目录，跳过。
func listAttachments(dir string, skip ...string) ([]types.Attachment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取附件目录失败: %w", err)
	}

	skipped := make(map[string]bool)
	for _, s := range skip {
		if s != "" {
			skipped[filepath.Clean(s)] = true
		}
	}

	var out []types.Attachment
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(dir, name)
		if strings.HasPrefix(name, "..") || skipped[path] || e.IsDir() {
			continue
		}
		out = append(out, types.Attachment{Name: name, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func runExec(cmd *cobra.Command, args []string) error {
	task, err := taskFromEnv()
	if err != nil {
		return reportExecFailure(cmd, &types.ErrorInfo{Kind: types.KindError, Message: err.Error()})
	}

	value, err := payload.NewRunner(nil, 0).Run(context.Background(), task)
	if err != nil {
		return reportExecFailure(cmd, payload.ToErrorInfo(err))
	}

	line, err := sonic.MarshalString(value)
	if err != nil {
		return reportExecFailure(cmd, &types.ErrorInfo{Kind: types.KindError, Message: fmt.Sprintf("encode result: %v", err)})
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}

func reportExecFailure(cmd *cobra.Command, info *types.ErrorInfo) error {
	if data, err := sonic.MarshalString(info); err == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), data)
	}
	if info.Traceback != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), info.Traceback)
	}
	return info
}
