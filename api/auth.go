package api

import (
	"context"
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/config"
	"github.com/ihmeuw-scicomp/jobmon/db"
)

const contextKeyUsername = "jobmon_username"

// UserMiddleware resolves the caller's username. With auth disabled the
// trusted X-Jobmon-User header is taken at face value; with auth enabled a
// bearer token is validated and the username claim extracted.
func UserMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg != nil && cfg.AuthEnabled {
		jwtMiddleware := echojwt.WithConfig(echojwt.Config{
			SigningKey:  []byte(cfg.JWTSecret),
			TokenLookup: "header:Authorization:Bearer ",
		})
		extract := func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				token, ok := c.Get("user").(*jwt.Token)
				if !ok {
					return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
				}
				claims, ok := token.Claims.(jwt.MapClaims)
				if !ok {
					return echo.NewHTTPError(http.StatusUnauthorized, "malformed claims")
				}
				username, _ := claims["username"].(string)
				if username == "" {
					username, _ = claims["sub"].(string)
				}
				if username == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "token carries no username")
				}
				c.Set(contextKeyUsername, username)
				return next(c)
			}
		}
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return jwtMiddleware(extract(next))
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(contextKeyUsername, c.Request().Header.Get("X-Jobmon-User"))
			return next(c)
		}
	}
}

// Username returns the resolved caller identity.
func Username(c echo.Context) string {
	if u, ok := c.Get(contextKeyUsername).(string); ok {
		return u
	}
	return ""
}

// requireOwner enforces the ownership rule on mutating workflow endpoints:
// the caller must match the user of the current run, or of the most recent
// run when none is current. A workflow that has never run is unowned.
func (h *Handlers) requireOwner(ctx context.Context, c echo.Context, workflowID int64) error {
	username := Username(c)

	owner := ""
	current, err := h.Store.GetCurrentWorkflowRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if current != nil {
		owner = current.User
	} else {
		var last db.WorkflowRun
		err := h.Store.DB.WithContext(ctx).
			Where("workflow_id = ?", workflowID).Order("id DESC").First(&last).Error
		if err == nil {
			owner = last.User
		}
	}
	if owner == "" {
		return nil
	}
	if username != owner {
		return &common.UnauthorizedError{Username: username, Owner: owner}
	}
	return nil
}
