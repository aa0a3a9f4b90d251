package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/mediaforge/api/internal/middleware"
	"github.com/mediaforge/api/internal/model"
	"github.com/mediaforge/api/internal/service"
	"github.com/mediaforge/api/pkg/response"
)

type AccountHandler struct {
	service   *service.AccountService
	validator *validator.Validate
}

func NewAccountHandler(svc *service.AccountService, v *validator.Validate) *AccountHandler {
	return &AccountHandler{
		service:   svc,
		validator: v,
	}
}

// Balance handles GET /api/account/balance
// @Summary      Get credit balance
// @Description  Get the account's total, reserved, and available credits
// @Tags         Account
// @Produce      json
// @Success      200 {object} model.BalanceResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/account/balance [get]
func (h *AccountHandler) Balance(c *fiber.Ctx) error {
	accountID := middleware.GetUserID(c)
	result, err := h.service.Balance(c.Context(), accountID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// AddCredits handles POST /api/account/credits
// @Summary      Add credits
// @Description  Apply an externally-settled credit purchase to the account
// @Tags         Account
// @Accept       json
// @Produce      json
// @Param        request body model.AddCreditsRequest true "Credit purchase"
// @Success      200 {object} model.BalanceResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/account/credits [post]
func (h *AccountHandler) AddCredits(c *fiber.Ctx) error {
	var req model.AddCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	accountID := middleware.GetUserID(c)
	result, err := h.service.AddCredits(c.Context(), accountID, &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// Transactions handles GET /api/account/transactions
// @Summary      List transactions
// @Description  List the account's credit and debit transactions, newest first
// @Tags         Account
// @Produce      json
// @Success      200 {object} model.TransactionsResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/account/transactions [get]
func (h *AccountHandler) Transactions(c *fiber.Ctx) error {
	accountID := middleware.GetUserID(c)
	result, err := h.service.Transactions(c.Context(), accountID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}
