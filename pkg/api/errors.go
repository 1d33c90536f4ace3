package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// ErrorResponse is the JSON body of every failed call
type ErrorResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Code returns the wire error code for err
func Code(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline_exceeded"
	}
	switch models.KindOf(err) {
	case models.KindValidation:
		return "invalid_argument"
	case models.KindNotFound:
		return "not_found"
	case models.KindInvalidState:
		return "failed_precondition"
	case models.KindResourceExhausted:
		return "resource_exhausted"
	default:
		return "internal"
	}
}

// StatusCode maps err to an HTTP status
func StatusCode(err error) int {
	switch Code(err) {
	case "invalid_argument":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "failed_precondition":
		return http.StatusPreconditionFailed
	case "resource_exhausted":
		return http.StatusServiceUnavailable
	case "canceled":
		return http.StatusRequestTimeout
	case "deadline_exceeded":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), ErrorResponse{Code: Code(err), Msg: err.Error()})
}

// KindOfCode maps a wire error code back to an error kind
func KindOfCode(code string) models.ErrorKind {
	switch code {
	case "invalid_argument":
		return models.KindValidation
	case "not_found":
		return models.KindNotFound
	case "failed_precondition":
		return models.KindInvalidState
	case "resource_exhausted":
		return models.KindResourceExhausted
	default:
		return models.KindInternal
	}
}
