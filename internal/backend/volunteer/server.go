package volunteer

import (
	"github.com/gofiber/fiber/v2"

	"yqhp/taskfarm/pkg/types"
)

// Routes mounts the volunteer protocol on router, normally the /api/v1 group.
func (a *Adapter) Routes(router fiber.Router) {
	router.Post("/volunteers/register", a.handleRegister)
	router.Post("/volunteers/:id/heartbeat", a.handleHeartbeat)
	router.Get("/volunteers/:id/work", a.handleWork)
	router.Post("/work/:token/result", a.handleResult)
}

// handleRegister handles POST /volunteers/register
func (a *Adapter) handleRegister(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}
	if req.Slots < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "slots must not be negative",
		})
	}

	id := a.register(req)
	return c.Status(fiber.StatusCreated).JSON(RegisterResponse{
		ID:                  id,
		LeaseTimeoutSeconds: a.config.LeaseTimeout.Seconds(),
	})
}

// handleHeartbeat handles POST /volunteers/:id/heartbeat
func (a *Adapter) handleHeartbeat(c *fiber.Ctx) error {
	if !a.touch(c.Params("id")) {
		return unknownVolunteer(c)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleWork handles GET /volunteers/:id/work
func (a *Adapter) handleWork(c *fiber.Ctx) error {
	units, ok := a.lease(c.Params("id"))
	if !ok {
		return unknownVolunteer(c)
	}
	return c.JSON(WorkResponse{Units: units})
}

// handleResult handles POST /work/:token/result
func (a *Adapter) handleResult(c *fiber.Ctx) error {
	var req ResultRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	var outcome types.ExecutionOutcome
	switch req.Status {
	case ResultSuccess:
		outcome = types.Succeeded(req.Value)
	case ResultFailed:
		info := req.Error
		if info == nil {
			info = &types.ErrorInfo{Kind: types.KindError, Message: "volunteer reported failure without details"}
		}
		outcome = types.Failed(info)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "status must be success or failed",
		})
	}

	switch a.complete(types.AssignmentToken(c.Params("token")), outcome) {
	case completeGone:
		return c.Status(fiber.StatusGone).JSON(ErrorResponse{
			Error:   "gone",
			Message: "work unit was cancelled or is unknown",
		})
	case completeDuplicate:
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "conflict",
			Message: "result already reported",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func unknownVolunteer(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Error:   "not_found",
		Message: "volunteer is not registered",
	})
}
