package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/quantbots/tickerapi/internal/repository"
	"github.com/quantbots/tickerapi/pkg/utils/response"
	"gorm.io/gorm"
)

// AuthMiddleware validates the Authorization header against the stored
// broker sessions. The header carries "user_id:enctoken"; only accounts
// with a live session stored by the orchestrator pass.
func AuthMiddleware(db *gorm.DB) echo.MiddlewareFunc {
	sessionRepo := repository.NewSessionRepository(db)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if auth == "" {
				return response.ErrorResponse(c, http.StatusUnauthorized, "AuthorizationException", "Missing Authorization header")
			}

			parts := strings.SplitN(auth, ":", 2)
			if len(parts) != 2 {
				return response.ErrorResponse(c, http.StatusUnauthorized, "AuthorizationException", "Invalid Authorization header format")
			}

			userID, enctoken := parts[0], parts[1]

			session, err := sessionRepo.GetSessionByUserId(userID)
			if err != nil || session.Enctoken == "" || session.Enctoken != enctoken {
				return response.ErrorResponse(c, http.StatusUnauthorized, "AuthorizationException", "Invalid or expired session")
			}

			// Add session data to context for use in handlers
			c.Set("user_id", session.UserId)
			c.Set("enctoken", session.Enctoken)

			return next(c)
		}
	}
}

// GetUserIdEnctokenFromEchoContext reads the authenticated identity set by
// AuthMiddleware.
func GetUserIdEnctokenFromEchoContext(c echo.Context) (string, string, error) {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf("request is not authenticated")
	}
	enctoken, ok := c.Get("enctoken").(string)
	if !ok || enctoken == "" {
		return "", "", fmt.Errorf("request is not authenticated")
	}
	return userID, enctoken, nil
}
