// Package grid runs each task attempt as a Kubernetes Job. The task input
// and attachments travel in a ConfigMap mounted into the Job's pod; the
// result is read back from the last line the container logs.
package grid

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"yqhp/taskfarm/internal/backend"
	"yqhp/taskfarm/pkg/types"
)

// Config configures the grid adapter.
type Config struct {
	Namespace  string
	Kubeconfig string
	// Image runs `taskfarm exec` unless Command overrides it.
	Image   string
	Command []string
	// TemplatePath optionally names a Job manifest used as the skeleton.
	TemplatePath string
	// Slots is the number of Jobs allowed to run at once.
	Slots      int
	Tags       []string
	Platform   string
	SpeedClass string
	// ResultPath is a JSONPath applied to the parsed output line.
	ResultPath string
	// LogTailLines bounds the log excerpt kept as traceback.
	LogTailLines int64
}

func (c *Config) withDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if len(c.Command) == 0 {
		c.Command = []string{"taskfarm", "exec"}
	}
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.Platform == "" {
		c.Platform = "linux/amd64"
	}
	if c.LogTailLines <= 0 {
		c.LogTailLines = 50
	}
}

type jobRun struct {
	taskID    string
	workerID  string
	cancelled bool
}

// Adapter drives Kubernetes Jobs.
type Adapter struct {
	config   Config
	client   kubernetes.Interface
	logger   *zap.Logger
	template *batchv1.Job

	mu       sync.Mutex
	runs     map[types.AssignmentToken]*jobRun
	attempts map[string]int
}

// NewAdapter connects with the in-cluster configuration, falling back to
// the kubeconfig file.
func NewAdapter(config Config, logger *zap.Logger) (*Adapter, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		path := config.Kubeconfig
		if path == "" {
			path = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("build kube config: %w", err)
		}
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return NewAdapterWithClient(config, cs, logger)
}

// NewAdapterWithClient creates an adapter on an existing client.
func NewAdapterWithClient(config Config, client kubernetes.Interface, logger *zap.Logger) (*Adapter, error) {
	config.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		config:   config,
		client:   client,
		logger:   logger.Named("grid"),
		runs:     make(map[types.AssignmentToken]*jobRun),
		attempts: make(map[string]int),
	}

	if config.TemplatePath != "" {
		data, err := os.ReadFile(config.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("read job template: %w", err)
		}
		var job batchv1.Job
		if err := yaml.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job template: %w", err)
		}
		a.template = &job
		a.logger.Info("loaded job template", zap.String("path", config.TemplatePath))
	} else if config.Image == "" {
		return nil, fmt.Errorf("grid backend needs an image or a job template")
	}
	return a, nil
}

func (a *Adapter) Kind() types.BackendKind {
	return types.BackendGrid
}

// DiscoverWorkers reports one worker per slot once the API server answers.
func (a *Adapter) DiscoverWorkers(ctx context.Context) ([]*types.WorkerHandle, error) {
	if _, err := a.client.Discovery().ServerVersion(); err != nil {
		return nil, fmt.Errorf("reach api server: %w", err)
	}
	workers := make([]*types.WorkerHandle, a.config.Slots)
	for i := range workers {
		workers[i] = &types.WorkerHandle{
			ID:         fmt.Sprintf("grid-%d", i),
			Backend:    types.BackendGrid,
			Tags:       append([]string(nil), a.config.Tags...),
			Platform:   a.config.Platform,
			SpeedClass: a.config.SpeedClass,
			Cores:      1,
		}
	}
	return workers, nil
}

// Execute makes sure the task's input ConfigMap exists and creates the Job
// for this attempt. The Job name is the token.
func (a *Adapter) Execute(ctx context.Context, worker *types.WorkerHandle, task *types.Task) (types.AssignmentToken, error) {
	if err := a.ensureInput(ctx, task); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.attempts[task.ID]++
	attempt := a.attempts[task.ID]
	a.mu.Unlock()

	job := a.buildJob(task, attempt)
	if _, err := a.client.BatchV1().Jobs(a.config.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create job %s: %w", job.Name, err)
	}

	token := types.AssignmentToken(job.Name)
	a.mu.Lock()
	a.runs[token] = &jobRun{taskID: task.ID, workerID: worker.ID}
	a.mu.Unlock()

	a.logger.Info("job created", zap.String("task_id", task.ID), zap.String("job", job.Name), zap.String("worker_id", worker.ID))
	return token, nil
}

// Poll reads the Job status. A Job that vanished without being cancelled
// reports its worker as gone.
func (a *Adapter) Poll(ctx context.Context, token types.AssignmentToken) (types.ExecutionOutcome, error) {
	a.mu.Lock()
	run, ok := a.runs[token]
	var cancelled bool
	if ok {
		cancelled = run.cancelled
	}
	a.mu.Unlock()
	if !ok {
		return types.ExecutionOutcome{}, &backend.ErrUnknownToken{Token: token}
	}

	name := string(token)
	job, err := a.client.BatchV1().Jobs(a.config.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		a.forget(token)
		if cancelled {
			return types.Failed(&types.ErrorInfo{Kind: types.KindCancelled, Message: "job deleted"}), nil
		}
		return types.Lost(fmt.Sprintf("job %s disappeared", name)), nil
	}
	if err != nil {
		return types.ExecutionOutcome{}, fmt.Errorf("get job %s: %w", name, err)
	}

	switch {
	case job.Status.Succeeded > 0:
		outcome := a.collect(ctx, name)
		a.cleanup(ctx, token)
		return outcome, nil
	case job.Status.Failed > 0:
		tail, logErr := a.fetchLogs(ctx, name)
		if logErr != nil {
			tail = logErr.Error()
		}
		a.cleanup(ctx, token)
		return types.Failed(&types.ErrorInfo{
			Kind:      types.KindJobFailed,
			Message:   failureMessage(job),
			Traceback: tail,
		}), nil
	case cancelled:
		return types.Failed(&types.ErrorInfo{Kind: types.KindCancelled, Message: "job cancelled"}), nil
	default:
		return types.Running(), nil
	}
}

func (a *Adapter) collect(ctx context.Context, jobName string) types.ExecutionOutcome {
	logs, err := a.fetchLogs(ctx, jobName)
	if err != nil {
		return types.Failed(&types.ErrorInfo{Kind: types.KindJobFailed, Message: fmt.Sprintf("read job output: %v", err)})
	}
	value, err := parseOutput(logs, a.config.ResultPath)
	if err != nil {
		return types.Failed(&types.ErrorInfo{Kind: types.KindJobFailed, Message: err.Error(), Traceback: logs})
	}
	return types.Succeeded(value)
}

func failureMessage(job *batchv1.Job) string {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Message != "" {
			return c.Message
		}
	}
	return fmt.Sprintf("job %s failed", job.Name)
}

// Cancel deletes the Job. The token stays known so the next Poll reports
// the cancellation instead of a lost worker.
func (a *Adapter) Cancel(ctx context.Context, token types.AssignmentToken) error {
	a.mu.Lock()
	run, ok := a.runs[token]
	if ok {
		run.cancelled = true
	}
	a.mu.Unlock()
	if !ok {
		return &backend.ErrUnknownToken{Token: token}
	}
	return a.deleteJob(ctx, string(token))
}

// ReleaseAttachments deletes the task's input ConfigMap.
func (a *Adapter) ReleaseAttachments(ctx context.Context, task *types.Task) error {
	a.mu.Lock()
	delete(a.attempts, task.ID)
	a.mu.Unlock()

	name := inputConfigMapName(task.ID)
	err := a.client.CoreV1().ConfigMaps(a.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete configmap %s: %w", name, err)
	}
	return nil
}

// Shutdown deletes every Job still known to the adapter.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	tokens := make([]types.AssignmentToken, 0, len(a.runs))
	for token := range a.runs {
		tokens = append(tokens, token)
	}
	a.runs = make(map[types.AssignmentToken]*jobRun)
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, token := range tokens {
		name := string(token)
		g.Go(func() error {
			return a.deleteJob(gctx, name)
		})
	}
	return g.Wait()
}

func (a *Adapter) cleanup(ctx context.Context, token types.AssignmentToken) {
	a.forget(token)
	if err := a.deleteJob(ctx, string(token)); err != nil {
		a.logger.Warn("delete finished job failed", zap.String("job", string(token)), zap.Error(err))
	}
}

func (a *Adapter) forget(token types.AssignmentToken) {
	a.mu.Lock()
	delete(a.runs, token)
	a.mu.Unlock()
}

func (a *Adapter) deleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := a.client.BatchV1().Jobs(a.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	return nil
}
