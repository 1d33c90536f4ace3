package rpc

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Code maps err to a gRPC status code
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	switch models.KindOf(err) {
	case models.KindValidation:
		return codes.InvalidArgument
	case models.KindNotFound:
		return codes.NotFound
	case models.KindInvalidState:
		return codes.FailedPrecondition
	case models.KindResourceExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// toStatus converts a service error for the wire
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// fromStatus turns a status error back into a typed egress error
func fromStatus(err error) error {
	s, ok := status.FromError(err)
	if !ok || s.Code() == codes.OK {
		return err
	}
	var kind models.ErrorKind
	switch s.Code() {
	case codes.InvalidArgument:
		kind = models.KindValidation
	case codes.NotFound:
		kind = models.KindNotFound
	case codes.FailedPrecondition:
		kind = models.KindInvalidState
	case codes.ResourceExhausted:
		kind = models.KindResourceExhausted
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Internal, codes.Unknown:
		kind = models.KindInternal
	default:
		return err
	}
	return &models.EgressError{Kind: kind, Message: s.Message()}
}

// codeLabel renders c in the snake case used by the HTTP API, e.g. invalid_argument
func codeLabel(c codes.Code) string {
	if c == codes.OK {
		return "ok"
	}
	var b strings.Builder
	for i, r := range c.String() {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
