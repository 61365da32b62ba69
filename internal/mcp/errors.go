// Package mcp exposes imgsift over the Model Context Protocol so AI clients
// can search images and inspect records, jobs and clusters.
package mcp

import (
	"context"
	"errors"
	"fmt"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
)

// Custom MCP error codes.
const (
	ErrCodeNotFound       = -32001
	ErrCodeModelFailed    = -32002
	ErrCodeTimeout        = -32003
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError is a protocol error with a JSON-RPC code.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	}

	var se *siftErrors.SiftError
	if !errors.As(err, &se) {
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
	message := se.Message
	if se.Suggestion != "" {
		message = message + " " + se.Suggestion
	}
	switch {
	case se.Code == siftErrors.ErrCodeRecordNotFound, se.Code == siftErrors.ErrCodeJobNotFound:
		return &MCPError{Code: ErrCodeNotFound, Message: message}
	case se.Category == siftErrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	case se.Category == siftErrors.CategoryNetwork, se.Code == siftErrors.ErrCodeSearchFailed:
		return &MCPError{Code: ErrCodeModelFailed, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}

// NewInvalidParamsError reports bad tool arguments.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError reports an unknown tool.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not found.", name)}
}
