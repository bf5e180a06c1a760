package middlewares

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/openquant/brokerlink/internal/broker"
	"github.com/openquant/brokerlink/internal/vault"
)

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	APIVersion string        `json:"apiVersion"`
	Error      errorResponse `json:"error"`
}

func respondError(ctx *fiber.Ctx, code int, message string) error {
	return ctx.Status(code).JSON(errorEnvelope{
		APIVersion: "1.0",
		Error:      errorResponse{Code: code, Message: message},
	})
}

// ErrorHandler maps the service error taxonomy onto HTTP statuses.
// State-mismatch and integrity failures are deliberately collapsed into
// one generic authentication failure so a caller cannot probe which
// check rejected it; full detail stays in the process log.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, broker.ErrValidation):
		return respondError(ctx, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrTooManyAttempts):
		return respondError(ctx, fiber.StatusTooManyRequests, "too many setup attempts, retry later")
	case errors.Is(err, broker.ErrNotFound), errors.Is(err, broker.ErrTokenNotFound):
		return respondError(ctx, fiber.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrConflict):
		return respondError(ctx, fiber.StatusConflict, err.Error())
	case errors.Is(err, broker.ErrInvalidState), errors.Is(err, vault.ErrIntegrity):
		slog.Error("Authentication failure", "path", ctx.Path(), "error", err)
		return respondError(ctx, fiber.StatusUnauthorized, "authentication failed")
	case errors.Is(err, broker.ErrExchange):
		return respondError(ctx, fiber.StatusBadGateway, err.Error())
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return respondError(ctx, fiberErr.Code, fiberErr.Message)
	}

	slog.Error("Unhandled error", "path", ctx.Path(), "error", err)
	return respondError(ctx, fiber.StatusInternalServerError, "internal server error")
}
