package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/cmd/chatd/service"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/repository"
)

// ProfileHandler handles profile CRUD, patching, activation and import
type ProfileHandler struct {
	profiles *service.ProfileService
	log      *logger.Logger
}

// NewProfileHandler creates a profile handler
func NewProfileHandler(profiles *service.ProfileService, log *logger.Logger) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, log: log}
}

// CreateProfile validates and stores a new profile
// POST /api/v1/profiles
func (h *ProfileHandler) CreateProfile(c echo.Context) error {
	doc, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
	}

	id, validated, err := h.profiles.Create(c.Request().Context(), doc)
	if err != nil {
		return h.profileError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"profileId":  id,
		"operations": len(validated.Operations),
		"version":    1,
	})
}

// GetProfile returns the stored profile document
// GET /api/v1/profiles/:id
func (h *ProfileHandler) GetProfile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid profile id"})
	}

	doc, version, err := h.profiles.Get(c.Request().Context(), id)
	if err != nil {
		return h.profileError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"profile": json.RawMessage(doc),
		"version": version,
	})
}

// UpdateProfile replaces a profile document
// PUT /api/v1/profiles/:id
func (h *ProfileHandler) UpdateProfile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid profile id"})
	}
	doc, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
	}

	version, err := h.profiles.Update(c.Request().Context(), id, doc)
	if err != nil {
		return h.profileError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"profileId": id,
		"version":   version,
	})
}

// PatchProfile applies an RFC 6902 patch to a profile
// PATCH /api/v1/profiles/:id
func (h *ProfileHandler) PatchProfile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid profile id"})
	}
	patch, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
	}

	patched, version, err := h.profiles.Patch(c.Request().Context(), id, patch)
	if err != nil {
		return h.profileError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"profile": json.RawMessage(patched),
		"version": version,
	})
}

// DeleteProfile removes a profile
// DELETE /api/v1/profiles/:id
func (h *ProfileHandler) DeleteProfile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid profile id"})
	}

	if err := h.profiles.Delete(c.Request().Context(), id); err != nil {
		return h.profileError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ActivateProfile makes a profile active, or clears activation
// POST /api/v1/profiles/:id/activate
// POST /api/v1/profiles/deactivate
func (h *ProfileHandler) ActivateProfile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid profile id"})
	}

	if err := h.profiles.Activate(c.Request().Context(), &id); err != nil {
		return h.profileError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"activeProfileId": id})
}

// DeactivateProfile clears the active profile
func (h *ProfileHandler) DeactivateProfile(c echo.Context) error {
	if err := h.profiles.Activate(c.Request().Context(), nil); err != nil {
		return h.profileError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"activeProfileId": nil})
}

// GetActiveProfile returns the currently active profile id
// GET /api/v1/profiles/active
func (h *ProfileHandler) GetActiveProfile(c echo.Context) error {
	id, ok, err := h.profiles.Active(c.Request().Context())
	if err != nil {
		return h.profileError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusOK, map[string]any{"activeProfileId": nil})
	}
	return c.JSON(http.StatusOK, map[string]any{"activeProfileId": id})
}

// ImportProfiles stores every profile of an export bundle
// POST /api/v1/profiles/import
func (h *ProfileHandler) ImportProfiles(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
	}

	ids, err := h.profiles.Import(c.Request().Context(), raw)
	if err != nil {
		return h.profileError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"profileIds": ids,
		"imported":   len(ids),
	})
}

func (h *ProfileHandler) profileError(c echo.Context, err error) error {
	var invalid *models.ValidationError
	if errors.As(err, &invalid) {
		return c.JSON(http.StatusBadRequest, invalid)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "profile not found"})
	}

	h.log.Error("profile request failed", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func readBody(c echo.Context) (json.RawMessage, error) {
	return io.ReadAll(c.Request().Body)
}
