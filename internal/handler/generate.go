package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/mediaforge/api/internal/ledger"
	"github.com/mediaforge/api/internal/middleware"
	"github.com/mediaforge/api/internal/model"
	"github.com/mediaforge/api/internal/provider"
	"github.com/mediaforge/api/internal/scheduler"
	"github.com/mediaforge/api/internal/service"
	"github.com/mediaforge/api/pkg/response"
)

type GenerateHandler struct {
	service   *service.GenerateService
	validator *validator.Validate
}

func NewGenerateHandler(svc *service.GenerateService, v *validator.Validate) *GenerateHandler {
	return &GenerateHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/generate
// @Summary      Submit generation job
// @Description  Reserve credits and enqueue an asynchronous media generation job
// @Tags         Generate
// @Accept       json
// @Produce      json
// @Param        request body model.GenerateRequest true "Generation request"
// @Success      202 {object} model.GenerateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      402 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate [post]
func (h *GenerateHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	accountID := middleware.GetUserID(c)
	result, err := h.service.Generate(c.Context(), accountID, &req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return response.InsufficientFunds(c, "Insufficient credits for estimated cost")
		case errors.Is(err, service.ErrCostExceedsLimit):
			return response.CostExceedsLimit(c, err.Error())
		case errors.Is(err, provider.ErrNoProviderAvailable):
			return response.NoProviderAvailable(c, "No provider available for requested media type")
		case errors.Is(err, scheduler.ErrQueueFull):
			return response.QueueFull(c)
		}
		return response.ServiceError(c, err.Error())
	}

	if result.Duplicate {
		return response.OK(c, result)
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/generate/status/:jobId
// @Summary      Get job status
// @Description  Get the current lifecycle state, cost, and attempts of a generation job
// @Tags         Generate
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate/status/{jobId} [get]
func (h *GenerateHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	accountID := middleware.GetUserID(c)
	result, err := h.service.Status(c.Context(), accountID, jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/generate/cancel/:jobId
// @Summary      Cancel job
// @Description  Cancel a queued job (full refund) or request cancellation of a dispatched one
// @Tags         Generate
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.CancelResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate/cancel/{jobId} [post]
func (h *GenerateHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	accountID := middleware.GetUserID(c)
	result, err := h.service.Cancel(c.Context(), accountID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, scheduler.ErrJobAlreadyCompleted):
			return response.Conflict(c, response.CodeJobAlreadyFinal, "Job already reached a final state")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
