package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examind/examind-api/internal/dto"
	"github.com/examind/examind-api/internal/middleware"
	"github.com/examind/examind-api/internal/service"
	"github.com/examind/examind-api/internal/utils"
)

// ExamHandler wires exam publication, schedule and resolution endpoints.
type ExamHandler struct {
	service service.PublishService
	logger  zerolog.Logger
}

// NewExamHandler constructs the handler.
func NewExamHandler(service service.PublishService, logger zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		service: service,
		logger:  logger.With().Str("component", "exam_handler").Logger(),
	}
}

// Register attaches exam endpoints to the router group. The resolve endpoint
// is examinee-facing; the rest are teacher operations mounted by the router
// under a role guard.
func (h *ExamHandler) Register(router fiber.Router) {
	router.Post("/:id/publish", h.publish)
	router.Post("/:id/publish-variant", h.publishVariant)
	router.Post("/:id/unpublish", h.unpublish)
	router.Put("/:id/schedule", h.updateSchedule)
}

// RegisterResolve attaches the cohort resolution endpoint. Resolution needs
// an authenticated caller but no particular role.
func (h *ExamHandler) RegisterResolve(router fiber.Router) {
	router.Get("/cohorts/:cohortID/exam", middleware.WithAuth(h.resolve, middleware.AuthOptions{RequireUser: true}))
}

func (h *ExamHandler) publish(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.PublishExamRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	actor := actorFromContext(c)
	exam, err := h.service.Publish(c.UserContext(), actor, examID, payload)
	if err != nil {
		return h.respondError(c, err, examID, "failed to publish exam")
	}

	return utils.SendSuccess(c, "exam published", exam)
}

func (h *ExamHandler) publishVariant(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	actor := actorFromContext(c)
	exam, err := h.service.PublishVariant(c.UserContext(), actor, examID)
	if err != nil {
		return h.respondError(c, err, examID, "failed to publish variant")
	}

	return utils.SendSuccess(c, "variant published", exam)
}

func (h *ExamHandler) unpublish(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	actor := actorFromContext(c)
	exam, err := h.service.Unpublish(c.UserContext(), actor, examID)
	if err != nil {
		return h.respondError(c, err, examID, "failed to unpublish exam")
	}

	return utils.SendSuccess(c, "exam unpublished", exam)
}

func (h *ExamHandler) updateSchedule(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.UpdateScheduleRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	actor := actorFromContext(c)
	exam, err := h.service.UpdateSchedule(c.UserContext(), actor, examID, payload)
	if err != nil {
		return h.respondError(c, err, examID, "failed to update schedule")
	}

	return utils.SendSuccess(c, "schedule updated", exam)
}

func (h *ExamHandler) resolve(c *fiber.Ctx) error {
	cohortID, err := parseUintParam(c, "cohortID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	exam, err := h.service.ResolveForCohort(c.UserContext(), cohortID)
	if err != nil {
		if errors.Is(err, service.ErrNoApplicableExam) {
			return utils.SendError(c, fiber.StatusNotFound, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("cohort_id", cohortID).Msg("failed to resolve exam")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to resolve exam")
	}

	return utils.SendSuccess(c, "exam resolved", exam)
}

func (h *ExamHandler) respondError(c *fiber.Ctx, err error, examID uint, fallback string) error {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrVariantNotPublishable):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrExamNotPublished):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrExamLocked):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Uint("exam_id", examID).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
