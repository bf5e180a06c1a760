package middlewares

import "github.com/gofiber/fiber/v2"

// SecurityHeaders applies the uniform response-hardening headers.
func SecurityHeaders() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		ctx.Set("X-Content-Type-Options", "nosniff")
		ctx.Set("X-Frame-Options", "DENY")
		ctx.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		ctx.Set("Cache-Control", "no-store")
		return ctx.Next()
	}
}
