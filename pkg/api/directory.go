package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"blocksnap/pkg/directory"
	"blocksnap/pkg/types"
)

// DirectoryHandler serves the peer directory's JSON interface next to its
// gRPC one.
type DirectoryHandler struct {
	Directory *directory.Service
}

func (h *DirectoryHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.POST("/register", h.handleRegister)
	e.GET("/nodes", h.handleNodes)
	e.POST("/heartbeat/:node_id", h.handleHeartbeat)
}

func (h *DirectoryHandler) handleHealth(c echo.Context) error {
	return healthy(c, echo.Map{"nodes": h.Directory.Len()})
}

func (h *DirectoryHandler) handleRegister(c echo.Context) error {
	var rec types.NodeRecord
	if err := c.Bind(&rec); err != nil {
		return badRequest(c, err)
	}

	err := h.Directory.Register(c.Request().Context(), rec.NodeID, rec.Endpoint, rec.Capabilities)
	if errors.Is(err, directory.ErrMissingFields) {
		return badRequest(c, err)
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "message": "Node registered successfully"})
}

func (h *DirectoryHandler) handleNodes(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Directory.ListActive(c.Request().Context()))
}

func (h *DirectoryHandler) handleHeartbeat(c echo.Context) error {
	err := h.Directory.Heartbeat(c.Request().Context(), types.NodeID(c.Param("node_id")))
	if errors.Is(err, directory.ErrNodeNotFound) {
		return notFound(c, "Node not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "message": "Heartbeat updated"})
}
