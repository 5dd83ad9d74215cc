package handler

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/examind/examind-api/internal/service"
	"github.com/examind/examind-api/internal/utils"
	"github.com/examind/examind-api/internal/worker"
)

// BatchHandler wires the bulk grading endpoints, including the websocket
// progress stream.
type BatchHandler struct {
	service service.BatchService
	nats    *nats.Conn
	logger  zerolog.Logger
}

// NewBatchHandler constructs the handler. natsConn may be nil; the progress
// stream then rejects upgrades.
func NewBatchHandler(service service.BatchService, natsConn *nats.Conn, logger zerolog.Logger) *BatchHandler {
	return &BatchHandler{
		service: service,
		nats:    natsConn,
		logger:  logger.With().Str("component", "batch_handler").Logger(),
	}
}

// Register attaches batch grading endpoints to the router group.
func (h *BatchHandler) Register(router fiber.Router) {
	router.Post("/:examID/grade-all", h.enqueueAll)
	router.Get("/:examID/grading-progress", h.progress)
	router.Delete("/:examID/grade-all", h.cancel)

	router.Use("/:examID/grading-stream", func(c *fiber.Ctx) error {
		if h.nats == nil {
			return utils.SendError(c, fiber.StatusServiceUnavailable, "progress stream not available")
		}
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("exam_id", c.Params("examID"))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/:examID/grading-stream", websocket.New(h.stream))
}

func (h *BatchHandler) enqueueAll(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "examID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	actor := actorFromContext(c)
	result, err := h.service.EnqueueAll(c.UserContext(), actor, examID)
	if err != nil {
		return h.respondError(c, err, examID, "failed to enqueue batch grading")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "batch grading enqueued", result)
}

func (h *BatchHandler) progress(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "examID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	result, err := h.service.Progress(c.UserContext(), examID)
	if err != nil {
		return h.respondError(c, err, examID, "failed to load grading progress")
	}

	return utils.SendSuccess(c, "grading progress", result)
}

func (h *BatchHandler) cancel(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "examID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	actor := actorFromContext(c)
	result, err := h.service.Cancel(c.UserContext(), actor, examID)
	if err != nil {
		return h.respondError(c, err, examID, "failed to cancel batch grading")
	}

	return utils.SendSuccess(c, "batch grading cancelled", result)
}

// stream forwards per-answer grading progress events for one exam over the
// websocket until the client disconnects.
func (h *BatchHandler) stream(conn *websocket.Conn) {
	defer conn.Close()

	raw, _ := conn.Locals("exam_id").(string)
	examID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid exam id"))
		return
	}

	events := make(chan []byte, 16)
	sub, err := h.nats.Subscribe(worker.ProgressSubject, func(msg *nats.Msg) {
		select {
		case events <- msg.Data:
		default:
		}
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to subscribe to progress events")
		return
	}
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info().Uint64("exam_id", examID).Msg("grading stream connected")

	for {
		select {
		case <-done:
			h.logger.Info().Uint64("exam_id", examID).Msg("grading stream disconnected")
			return
		case payload := <-events:
			if !matchesExam(payload, uint(examID)) {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func matchesExam(payload []byte, examID uint) bool {
	var event worker.ProgressEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return false
	}
	return event.ExamID == examID
}

func (h *BatchHandler) respondError(c *fiber.Ctx, err error, examID uint, fallback string) error {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Uint("exam_id", examID).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
