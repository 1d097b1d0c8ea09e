package httpapi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/training/sandbox-orchestrator/internal/builder"
	"github.com/training/sandbox-orchestrator/internal/domain"
	"github.com/training/sandbox-orchestrator/internal/lifecycle"
	"github.com/training/sandbox-orchestrator/internal/logging"
	"github.com/training/sandbox-orchestrator/internal/ports"
)

// Handler wires the HTTP surface of §6.1 to the Builder, Lifecycle
// Manager, Catalog, Registry, and Progress collaborator.
type Handler struct {
	builder    *builder.Builder
	lifecycle  *lifecycle.Manager
	catalog    ports.CatalogStore
	registry   ports.ContainerRegistry
	progress   ports.ProgressStore
	baseDomain string
	uploadDir  string
	log        zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(
	b *builder.Builder,
	lm *lifecycle.Manager,
	catalog ports.CatalogStore,
	registry ports.ContainerRegistry,
	progress ports.ProgressStore,
	baseDomain, uploadDir string,
) *Handler {
	return &Handler{
		builder:    b,
		lifecycle:  lm,
		catalog:    catalog,
		registry:   registry,
		progress:   progress,
		baseDomain: baseDomain,
		uploadDir:  uploadDir,
		log:        logging.WithComponent("httpapi"),
	}
}

// UploadExercise handles POST /api/exercises/upload.
func (h *Handler) UploadExercise(c *fiber.Ctx) error {
	fh, err := c.FormFile("exercise")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "missing exercise file")
	}

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "cannot prepare upload dir")
	}
	uploadPath := filepath.Join(h.uploadDir, uuid.NewString()+"-"+filepath.Base(fh.Filename))

	src, err := fh.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "cannot read upload")
	}
	defer src.Close()

	dst, err := os.Create(uploadPath)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "cannot stage upload")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fiber.NewError(fiber.StatusInternalServerError, "cannot stage upload")
	}
	dst.Close()

	staged, err := os.Open(uploadPath)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "cannot reopen staged upload")
	}
	defer staged.Close()

	res, err := h.builder.BuildFromArchive(c.Context(), staged, fh.Filename, uploadPath, subject(c).ID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidBundle):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrBuildFailed):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		default:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(fiber.Map{
		"image": fiber.Map{
			"name":    res.Exercise.Name,
			"version": res.Exercise.Version,
			"tag":     res.Exercise.ImageTag,
		},
	})
}

// ListExercises handles GET /api/exercises, decorating each entry with the
// subject's progress per §4.I.
func (h *Handler) ListExercises(c *fiber.Ctx) error {
	s := subject(c)

	exercises, err := h.catalog.List(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	progressByExercise := make(map[string]*domain.Progress)
	if rows, err := h.progress.ListForSubject(c.Context(), s.ID); err == nil {
		for _, p := range rows {
			progressByExercise[p.ExerciseID] = p
		}
	}

	out := make([]fiber.Map, 0, len(exercises))
	for _, ex := range exercises {
		status := domain.ProgressNotStarted
		attempts := 0
		if p, ok := progressByExercise[ex.ID]; ok {
			status = p.Status
			attempts = p.Attempts
		}
		out = append(out, fiber.Map{
			"id":          ex.ID,
			"name":        ex.Name,
			"version":     ex.Version,
			"description": ex.Description,
			"level":       ex.Level,
			"status":      status,
			"attempts":    attempts,
		})
	}
	return c.JSON(fiber.Map{"exercises": out})
}

// LaunchExercise handles POST /api/exercises/launch/{exerciseId}.
func (h *Handler) LaunchExercise(c *fiber.Ctx) error {
	s := subject(c)
	exerciseID := c.Params("exerciseId")

	rec, err := h.lifecycle.Launch(c.Context(), s, exerciseID)
	if err != nil {
		var already *domain.AlreadyRunningErr
		if errors.As(err, &already) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":     "AlreadyRunning",
				"subdomain": already.Subdomain,
			})
		}
		switch {
		case errors.Is(err, domain.ErrQuotaExceeded):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "QuotaExceeded"})
		case errors.Is(err, domain.ErrUnknownExercise):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "UnknownExercise"})
		default:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(fiber.Map{
		"containerId": rec.ContainerID,
		"subdomain":   fmt.Sprintf("%s.%s", rec.Subdomain, h.baseDomain),
	})
}

// ListContainers handles GET /api/containers.
func (h *Handler) ListContainers(c *fiber.Ctx) error {
	s := subject(c)
	recs, err := h.registry.ListRunningBySubject(c.Context(), s.ID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"containers": recs})
}

// StopContainer handles POST /api/containers/{containerId}/stop.
func (h *Handler) StopContainer(c *fiber.Ctx) error {
	s := subject(c)
	id := c.Params("containerId")

	if err := h.lifecycle.StopByUser(c.Context(), s, id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return fiber.NewError(fiber.StatusNotFound, "container not found")
		case errors.Is(err, domain.ErrForbidden):
			return fiber.NewError(fiber.StatusNotFound, "container not found")
		default:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}
	return c.SendStatus(fiber.StatusOK)
}

// AdminStopContainer handles POST /api/admin/containers/{containerId}/stop.
func (h *Handler) AdminStopContainer(c *fiber.Ctx) error {
	id := c.Params("containerId")
	if err := h.lifecycle.StopByAdmin(c.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "container not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusOK)
}

// CompleteContainer handles POST /api/containers/{subdomain}/complete, the
// unauthenticated in-container completion callback (§4.E, §6.1).
func (h *Handler) CompleteContainer(c *fiber.Ctx) error {
	subdomain := c.Params("subdomain")

	var payload map[string]any
	_ = c.BodyParser(&payload)

	if err := h.lifecycle.Complete(c.Context(), subdomain, payload); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "container not found")
		}
		h.log.Warn().Err(err).Str("subdomain", subdomain).Msg("completion callback failed")
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"success": true})
}
