package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mediaforge/api/internal/model"
	"github.com/mediaforge/api/internal/provider"
	"github.com/mediaforge/api/pkg/response"
)

type ProviderHandler struct {
	registry *provider.Registry
}

func NewProviderHandler(registry *provider.Registry) *ProviderHandler {
	return &ProviderHandler{registry: registry}
}

// List handles GET /api/providers
// @Summary      List providers
// @Description  List registered providers with load and telemetry, optionally filtered by media type
// @Tags         Providers
// @Produce      json
// @Param        mediaType query string false "Media type filter" Enums(video, audio, image, design, 3d)
// @Success      200 {array} model.ProviderSnapshot
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/providers [get]
func (h *ProviderHandler) List(c *fiber.Ctx) error {
	filter := model.MediaType(c.Query("mediaType"))
	if filter != "" && !model.IsValidMediaType(filter) {
		return response.ValidationError(c, "Unknown media type", nil)
	}

	if filter != "" {
		return response.OK(c, h.registry.ListAll(filter))
	}

	snapshots := make([]model.ProviderSnapshot, 0)
	for _, mt := range model.ValidMediaTypes {
		snapshots = append(snapshots, h.registry.ListAll(mt)...)
	}
	return response.OK(c, snapshots)
}
