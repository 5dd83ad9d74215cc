package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examind/examind-api/internal/dto"
	"github.com/examind/examind-api/internal/lifecycle"
	"github.com/examind/examind-api/internal/service"
	"github.com/examind/examind-api/internal/utils"
)

// GradingHandler wires manual grading endpoints for teachers.
type GradingHandler struct {
	service service.GradingService
	logger  zerolog.Logger
}

// NewGradingHandler constructs the handler.
func NewGradingHandler(service service.GradingService, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service: service,
		logger:  logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches grading endpoints to the router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Put("/answers/:answerID/grade", h.writeGrade)
}

func (h *GradingHandler) writeGrade(c *fiber.Ctx) error {
	answerID, err := parseUintParam(c, "answerID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.WriteGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	actor := actorFromContext(c)
	grade, err := h.service.WriteGrade(c.UserContext(), actor, answerID, payload)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAnswerNotFound):
			return utils.SendError(c, fiber.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrScoreExceedsMax):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrAttemptNotSubmitted):
			return utils.SendError(c, fiber.StatusConflict, err.Error())
		case errors.Is(err, lifecycle.ErrConsistency):
			requestLogger(h.logger, c).Error().Err(err).Uint("answer_id", answerID).Msg("attempt state inconsistent")
			return utils.SendError(c, fiber.StatusInternalServerError, "attempt state inconsistent")
		case isValidationError(err):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		default:
			requestLogger(h.logger, c).Error().Err(err).Uint("answer_id", answerID).Msg("failed to write grade")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to write grade")
		}
	}

	return utils.SendSuccess(c, "grade written", grade)
}
