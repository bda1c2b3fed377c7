package middleware

import (
	"errors"
	"strings"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/config"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/dto"
	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is the caller named by a verified access token.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

func JWTProtected(cfg *config.Config) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{Key: []byte(cfg.JWTSecret)},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
				Error:   true,
				Message: "Unauthorized: invalid or expired token",
			})
		},
	})
}

// Caller extracts the identity from the JWT claims stored by JWTProtected.
func Caller(c *fiber.Ctx) (Identity, error) {
	claims, err := tokenClaims(c)
	if err != nil {
		return Identity{}, err
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return Identity{}, errors.New("missing sub claim")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Identity{}, errors.New("sub claim is not a user id")
	}

	email, _ := claims["email"].(string)
	return Identity{UserID: userID, Email: strings.ToLower(email)}, nil
}

func tokenClaims(c *fiber.Ctx) (jwt.MapClaims, error) {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok || token == nil {
		return nil, errors.New("invalid token in context")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}
