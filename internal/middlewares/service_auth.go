package middlewares

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/openquant/brokerlink/params"
)

// ServiceAuth verifies the HS256 service token presented by internal
// callers when a shared secret is configured. With an empty secret it
// is a no-op, for deployments where the gateway already authenticates.
func ServiceAuth(secret string) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if secret == "" {
			return ctx.Next()
		}
		header := ctx.Get(fiber.HeaderAuthorization)
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing service token")
		}
		token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid service token")
		}
		if issuedAt, err := token.Claims.GetIssuedAt(); err == nil && issuedAt != nil {
			if time.Since(issuedAt.Time) > params.ServiceTokenMaxAge {
				return fiber.NewError(fiber.StatusUnauthorized, "service token too old")
			}
		}
		return ctx.Next()
	}
}
