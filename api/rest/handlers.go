package rest

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	st := s.service.Status()
	status := "healthy"
	if st.State != string(master.StateRunning) {
		status = "not_running"
	}
	return c.JSON(HealthResponse{
		Status:    status,
		State:     st.State,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// submitTask handles POST /api/v1/tasks
func (s *Server) submitTask(c *fiber.Ctx) error {
	var req TaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	id, err := s.service.Submit(req.toTask())
	if err != nil {
		return schedulerError(c, err)
	}

	s.logger.Debug("task submitted", zap.String("task_id", id), zap.String("payload", req.Payload.Ref))
	return c.Status(fiber.StatusCreated).JSON(TaskSubmitResponse{
		ID:     id,
		Status: string(types.StatusPending),
	})
}

// submitBatch handles POST /api/v1/tasks/batch
func (s *Server) submitBatch(c *fiber.Ctx) error {
	var req BatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}
	if len(req.Tasks) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "At least one task is required",
		})
	}

	tasks := make([]*types.Task, len(req.Tasks))
	for i := range req.Tasks {
		tasks[i] = req.Tasks[i].toTask()
	}
	ids, err := s.service.SubmitBatch(tasks)
	if err != nil {
		return schedulerError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(BatchSubmitResponse{IDs: ids})
}

// getTask handles GET /api/v1/tasks/:id?wait=true&timeout=30s
func (s *Server) getTask(c *fiber.Ctx) error {
	id := c.Params("id")
	block := c.QueryBool("wait", false)

	timeout, err := s.parseTimeout(c.Query("timeout"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
	}

	r, err := s.service.PollOrWait(c.UserContext(), id, block, timeout)
	if err != nil {
		return schedulerError(c, err)
	}
	return c.JSON(newTaskResponse(r))
}

// cancelTask handles DELETE /api/v1/tasks/:id
func (s *Server) cancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.service.Cancel(id); err != nil {
		return schedulerError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(SuccessResponse{
		Success: true,
		Message: "cancellation requested",
	})
}

// releaseTask handles POST /api/v1/tasks/:id/release
func (s *Server) releaseTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.service.Release(id); err != nil {
		return schedulerError(c, err)
	}
	return c.JSON(SuccessResponse{Success: true})
}

// waitTasks handles POST /api/v1/tasks/wait
func (s *Server) waitTasks(c *fiber.Ctx) error {
	var req WaitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}
	if len(req.IDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "At least one task ID is required",
		})
	}
	timeout, err := s.parseTimeout(req.Timeout)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
	}

	ctx := c.UserContext()
	switch strings.ToLower(req.Mode) {
	case "", "all":
		results, err := s.service.WaitAll(ctx, req.IDs, timeout)
		if err != nil && !master.IsTimeoutError(err) {
			return schedulerError(c, err)
		}
		resp := WaitResponse{TimedOut: err != nil, Results: make([]TaskResponse, len(results))}
		for i, r := range results {
			resp.Results[i] = newTaskResponse(r)
		}
		return c.JSON(resp)
	case "any":
		r, err := s.service.WaitAny(ctx, req.IDs, timeout)
		if master.IsTimeoutError(err) {
			return c.JSON(WaitResponse{TimedOut: true, Results: []TaskResponse{}})
		}
		if err != nil {
			return schedulerError(c, err)
		}
		return c.JSON(WaitResponse{Results: []TaskResponse{newTaskResponse(r)}})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "mode must be 'all' or 'any'",
		})
	}
}

// listWorkers handles GET /api/v1/workers
func (s *Server) listWorkers(c *fiber.Ctx) error {
	workers := s.service.Workers()
	if backend := c.Query("backend"); backend != "" {
		filtered := workers[:0]
		for _, w := range workers {
			if string(w.Backend) == backend {
				filtered = append(filtered, w)
			}
		}
		workers = filtered
	}
	if workers == nil {
		workers = []*types.WorkerHandle{}
	}
	return c.JSON(WorkersResponse{Workers: workers, Total: len(workers)})
}

// getStatus handles GET /api/v1/status
func (s *Server) getStatus(c *fiber.Ctx) error {
	return c.JSON(StatusResponse{
		ID:              s.service.ID(),
		SchedulerStatus: s.service.Status(),
		Timestamp:       time.Now(),
	})
}

// parseTimeout accepts a Go duration ("30s") or a number of seconds.
func (s *Server) parseTimeout(raw string) (time.Duration, error) {
	var timeout time.Duration
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			secs, serr := strconv.ParseFloat(raw, 64)
			if serr != nil || secs < 0 {
				return 0, errors.New("timeout must be a duration such as 30s or a number of seconds")
			}
			d = time.Duration(secs * float64(time.Second))
		}
		if d < 0 {
			return 0, errors.New("timeout must be non-negative")
		}
		timeout = d
	}
	if s.config.MaxWait > 0 && (timeout == 0 || timeout > s.config.MaxWait) {
		timeout = s.config.MaxWait
	}
	return timeout, nil
}

// schedulerError maps scheduler errors onto HTTP statuses.
func schedulerError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, master.ErrInvalidTask):
		status, code = fiber.StatusBadRequest, "invalid_task"
	case errors.Is(err, master.ErrUnknownTask):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, master.ErrTimeout):
		status, code = fiber.StatusRequestTimeout, "timeout"
	case errors.Is(err, master.ErrFinalized):
		status, code = fiber.StatusServiceUnavailable, "finalized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = fiber.StatusServiceUnavailable, "cancelled"
	}

	return c.Status(status).JSON(ErrorResponse{
		Error:   code,
		Message: err.Error(),
	})
}
