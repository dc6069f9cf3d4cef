package volunteer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/taskfarm/internal/payload"
	"yqhp/taskfarm/pkg/types"
)

// ClientConfig configures a volunteer client.
type ClientConfig struct {
	// MasterURL is the base URL of the master (e.g. "http://localhost:8080").
	MasterURL  string
	Platform   string
	Tags       []string
	Slots      int
	SpeedClass string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

// DefaultClientConfig returns a client configuration for this machine.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MasterURL:         "http://localhost:8080",
		Platform:          runtime.GOOS + "/" + runtime.GOARCH,
		Slots:             runtime.NumCPU(),
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

var errNotRegistered = errors.New("volunteer is not registered with the master")

// Client is the volunteer side of the protocol: it registers, pulls work
// units, runs them with a payload runner and posts the results.
type Client struct {
	config *ClientConfig
	runner *payload.Runner
	logger *zap.Logger
	agent  *fiber.Client

	id string
}

// NewClient creates a volunteer client.
func NewClient(config *ClientConfig, runner *payload.Runner, logger *zap.Logger) *Client {
	def := DefaultClientConfig()
	if config == nil {
		config = def
	}
	if config.Slots <= 0 {
		config.Slots = def.Slots
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if runner == nil {
		runner = payload.NewRunner(nil, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		runner: runner,
		logger: logger.Named("volunteer-client"),
		agent:  fiber.AcquireClient(),
	}
}

// ID returns the identifier assigned by the master at registration.
func (c *Client) ID() string {
	return c.id
}

// Register announces the volunteer to the master.
func (c *Client) Register(ctx context.Context) error {
	body, err := sonic.Marshal(RegisterRequest{
		Platform:   c.config.Platform,
		Tags:       c.config.Tags,
		Slots:      c.config.Slots,
		SpeedClass: c.config.SpeedClass,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal register request: %w", err)
	}

	code, respBody, err := c.post(c.config.MasterURL+"/api/v1/volunteers/register", body)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	if code != fiber.StatusCreated && code != fiber.StatusOK {
		return fmt.Errorf("registration failed: %s", errorMessage(code, respBody))
	}

	var resp RegisterResponse
	if err := sonic.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal register response: %w", err)
	}
	c.id = resp.ID
	c.logger.Info("registered with master", zap.String("volunteer_id", c.id), zap.Int("slots", c.config.Slots))
	return nil
}

// Run registers and serves work units until ctx is done. Units already
// running when ctx ends are cancelled; their results are not reported.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Register(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Slots)

	poll := time.NewTicker(c.config.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(c.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-gctx.Done():
			_ = g.Wait()
			return nil
		case <-heartbeat.C:
			if err := c.heartbeat(); err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
				if errors.Is(err, errNotRegistered) {
					if err := c.Register(gctx); err != nil {
						c.logger.Warn("re-registration failed", zap.Error(err))
					}
				}
			}
		case <-poll.C:
			units, err := c.FetchWork()
			if err != nil {
				c.logger.Warn("fetch work failed", zap.Error(err))
				if errors.Is(err, errNotRegistered) {
					if err := c.Register(gctx); err != nil {
						c.logger.Warn("re-registration failed", zap.Error(err))
					}
				}
				continue
			}
			for _, u := range units {
				g.Go(func() error {
					c.process(gctx, u)
					return nil
				})
			}
		}
	}
}

// FetchWork leases the work units queued for this volunteer.
func (c *Client) FetchWork() ([]WorkUnit, error) {
	req := c.agent.Get(fmt.Sprintf("%s/api/v1/volunteers/%s/work", c.config.MasterURL, c.id))
	req.Timeout(c.config.RequestTimeout)
	code, body, errs := req.Bytes()
	if len(errs) > 0 {
		return nil, errs[0]
	}
	if code == fiber.StatusNotFound {
		return nil, errNotRegistered
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("fetch work: %s", errorMessage(code, body))
	}

	var resp WorkResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work response: %w", err)
	}
	return resp.Units, nil
}

func (c *Client) heartbeat() error {
	code, body, err := c.post(fmt.Sprintf("%s/api/v1/volunteers/%s/heartbeat", c.config.MasterURL, c.id), nil)
	if err != nil {
		return err
	}
	if code == fiber.StatusNotFound {
		return errNotRegistered
	}
	if code != fiber.StatusNoContent && code != fiber.StatusOK {
		return fmt.Errorf("heartbeat: %s", errorMessage(code, body))
	}
	return nil
}

// process runs one unit and reports it.
func (c *Client) process(ctx context.Context, u WorkUnit) {
	result := c.execute(ctx, u)
	if ctx.Err() != nil {
		return
	}
	if err := c.Report(u.Token, result); err != nil {
		c.logger.Warn("report result failed", zap.String("task_id", u.TaskID), zap.Error(err))
	}
}

func (c *Client) execute(ctx context.Context, u WorkUnit) ResultRequest {
	task := &types.Task{ID: u.TaskID, Payload: u.Payload, Input: u.Input}

	if len(u.Attachments) > 0 {
		dir, err := os.MkdirTemp("", "taskfarm-"+u.TaskID+"-")
		if err != nil {
			return failedResult(err)
		}
		defer os.RemoveAll(dir)
		for _, att := range u.Attachments {
			path := filepath.Join(dir, filepath.Base(att.Name))
			if err := os.WriteFile(path, att.Data, 0o600); err != nil {
				return failedResult(err)
			}
			task.Attachments = append(task.Attachments, types.Attachment{Name: att.Name, Path: path})
		}
	}

	c.logger.Debug("running work unit", zap.String("task_id", u.TaskID), zap.String("payload", u.Payload.Ref))
	value, err := c.runner.Run(ctx, task)
	if err != nil {
		return failedResult(err)
	}
	return ResultRequest{Status: ResultSuccess, Value: value}
}

func failedResult(err error) ResultRequest {
	return ResultRequest{Status: ResultFailed, Error: payload.ToErrorInfo(err)}
}

// Report posts the outcome of a unit. A unit the master no longer wants
// (cancelled or expired) is not an error.
func (c *Client) Report(token types.AssignmentToken, result ResultRequest) error {
	body, err := sonic.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	code, respBody, err := c.post(fmt.Sprintf("%s/api/v1/work/%s/result", c.config.MasterURL, token), body)
	if err != nil {
		return err
	}
	switch code {
	case fiber.StatusNoContent, fiber.StatusOK:
		return nil
	case fiber.StatusGone:
		c.logger.Info("result discarded by master", zap.String("token", string(token)))
		return nil
	default:
		return fmt.Errorf("report result: %s", errorMessage(code, respBody))
	}
}

func (c *Client) post(url string, body []byte) (int, []byte, error) {
	req := c.agent.Post(url)
	req.Timeout(c.config.RequestTimeout)
	if body != nil {
		req.Body(body)
		req.Set("Content-Type", "application/json")
	}
	code, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return 0, nil, errs[0]
	}
	return code, respBody, nil
}

func errorMessage(code int, body []byte) string {
	var resp ErrorResponse
	if err := sonic.Unmarshal(body, &resp); err == nil && resp.Message != "" {
		return fmt.Sprintf("status %d: %s", code, resp.Message)
	}
	return fmt.Sprintf("status %d", code)
}
