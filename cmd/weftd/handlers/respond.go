// Package handlers contains the HTTP handlers for the weftd API.
package handlers

import "github.com/labstack/echo/v4"

// errJSON writes the error body shape shared by every endpoint
func errJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
