package handler

import (
	"context"
	"errors"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examind/examind-api/internal/dto"
	"github.com/examind/examind-api/internal/guard"
	"github.com/examind/examind-api/internal/lifecycle"
	"github.com/examind/examind-api/internal/service"
	"github.com/examind/examind-api/internal/utils"
)

// maxAttachmentBytes caps uploaded answer attachments.
const maxAttachmentBytes = 10 << 20

// Uploader stores an attachment and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// AttemptHandler wires the examinee-facing attempt endpoints.
type AttemptHandler struct {
	service  service.AttemptService
	uploader Uploader
	logger   zerolog.Logger
}

// NewAttemptHandler constructs the handler. uploader may be nil; attachment
// uploads then return 503.
func NewAttemptHandler(service service.AttemptService, uploader Uploader, logger zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		service:  service,
		uploader: uploader,
		logger:   logger.With().Str("component", "attempt_handler").Logger(),
	}
}

// Register attaches attempt endpoints to the router group.
func (h *AttemptHandler) Register(router fiber.Router) {
	router.Post("", h.start)
	router.Get("/:id", h.get)
	router.Put("/:id/answers/:questionID", h.saveAnswer)
	router.Post("/:id/submit", h.submit)
	router.Post("/:id/answers/:questionID/attachment", h.attach)
}

func (h *AttemptHandler) start(c *fiber.Ctx) error {
	var payload dto.StartAttemptRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	actor := actorFromContext(c)
	attempt, err := h.service.Start(c.UserContext(), actor, payload)
	if err != nil {
		return h.respondError(c, err, "failed to start attempt")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "attempt started", attempt)
}

func (h *AttemptHandler) get(c *fiber.Ctx) error {
	attemptID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	actor := actorFromContext(c)
	attempt, err := h.service.Get(c.UserContext(), actor, attemptID)
	if err != nil {
		return h.respondError(c, err, "failed to load attempt")
	}

	return utils.SendSuccess(c, "attempt loaded", attempt)
}

func (h *AttemptHandler) saveAnswer(c *fiber.Ctx) error {
	attemptID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}
	questionID, err := parseUintParam(c, "questionID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.SaveAnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	actor := actorFromContext(c)
	answer, err := h.service.SaveAnswer(c.UserContext(), actor, attemptID, questionID, payload,
		c.Get(HeaderIdempotencyKey), c.Get(HeaderIntegrityNonce))
	if err != nil {
		return h.respondError(c, err, "failed to save answer")
	}

	return utils.SendSuccess(c, "answer saved", answer)
}

func (h *AttemptHandler) submit(c *fiber.Ctx) error {
	attemptID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	actor := actorFromContext(c)
	attempt, err := h.service.Submit(c.UserContext(), actor, attemptID, c.Get(HeaderIdempotencyKey))
	if err != nil {
		return h.respondError(c, err, "failed to submit attempt")
	}

	if attempt.AlreadyApplied {
		return utils.SendSuccess(c, "attempt already submitted", attempt)
	}
	return utils.SendSuccess(c, "attempt submitted", attempt)
}

func (h *AttemptHandler) attach(c *fiber.Ctx) error {
	attemptID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}
	questionID, err := parseUintParam(c, "questionID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	if h.uploader == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "attachment storage not configured")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}
	if file.Size > maxAttachmentBytes {
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, "attachment too large")
	}

	src, err := file.Open()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "unreadable file")
	}
	defer src.Close()

	kind, err := mimetype.DetectReader(src)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "unreadable file")
	}
	if !allowedAttachmentType(kind) {
		return utils.SendError(c, fiber.StatusBadRequest, "attachment type not allowed")
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "unreadable file")
	}

	url, err := h.uploader.Upload(c.UserContext(), file.Filename, src)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("attachment upload failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to store attachment")
	}

	actor := actorFromContext(c)
	answer, err := h.service.Attach(c.UserContext(), actor, attemptID, questionID, url)
	if err != nil {
		return h.respondError(c, err, "failed to record attachment")
	}

	return utils.SendSuccess(c, "attachment stored", answer)
}

func allowedAttachmentType(kind *mimetype.MIME) bool {
	allowed := []string{
		"application/pdf",
		"image/png",
		"image/jpeg",
		"text/plain",
		"application/zip",
	}
	for _, mime := range allowed {
		if kind.Is(mime) {
			return true
		}
	}
	return false
}

func (h *AttemptHandler) respondError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, service.ErrExamNotFound),
		errors.Is(err, service.ErrAttemptNotFound),
		errors.Is(err, service.ErrQuestionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrExamNotPublished):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrWindowClosed):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrAttemptAlreadySubmitted):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, guard.ErrIntegrity):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, guard.ErrBadRequestID):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, guard.ErrStoreUnavailable):
		return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lifecycle.ErrConsistency):
		requestLogger(h.logger, c).Error().Err(err).Msg("attempt state inconsistent")
		return utils.SendError(c, fiber.StatusInternalServerError, "attempt state inconsistent")
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
