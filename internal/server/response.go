// Package server exposes the judge pipeline's read-only HTTP API.
package server

import (
	"github.com/gin-gonic/gin"

	appErr "arbiter/pkg/errors"
)

// Response is the uniform API envelope.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(appErr.Success.HTTPStatus(), Response{
		Code:    int(appErr.Success),
		Message: appErr.Success.Message(),
		Data:    data,
	})
}

func respondError(c *gin.Context, err error) {
	code := appErr.GetCode(err)
	c.JSON(code.HTTPStatus(), Response{
		Code:    int(code),
		Message: code.Message(),
	})
}
