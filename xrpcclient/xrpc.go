package xrpcclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	indigoxrpc "github.com/bluesky-social/indigo/xrpc"
)

var (
	ErrXrpcNotFound     = errors.New("xrpc resource not found")
	ErrXrpcUnauthorized = errors.New("unauthorized xrpc request")
	ErrXrpcRateLimited  = errors.New("xrpc request rate limited")
	ErrXrpcFailed       = errors.New("xrpc request failed")
	ErrXrpcInvalid      = errors.New("invalid xrpc request")
)

// HandleXrpcErr produces a more manageable error, keeping the original
// message for logs.
func HandleXrpcErr(err error) error {
	if err == nil {
		return nil
	}

	var xrpcerr *indigoxrpc.Error
	if ok := errors.As(err, &xrpcerr); !ok {
		return fmt.Errorf("%w: %w", ErrXrpcFailed, err)
	}

	switch {
	case xrpcerr.IsThrottled():
		return fmt.Errorf("%w: %w", ErrXrpcRateLimited, err)
	case xrpcerr.StatusCode == http.StatusNotFound, isNotFoundMessage(xrpcerr):
		return fmt.Errorf("%w: %w", ErrXrpcNotFound, err)
	case xrpcerr.StatusCode == http.StatusUnauthorized, xrpcerr.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrXrpcUnauthorized, err)
	case xrpcerr.StatusCode >= 400 && xrpcerr.StatusCode < 500:
		return fmt.Errorf("%w: %w", ErrXrpcInvalid, err)
	default:
		return fmt.Errorf("%w: %w", ErrXrpcFailed, err)
	}
}

// the appview answers unknown actors with 400 InvalidRequest "Profile not found"
func isNotFoundMessage(xrpcerr *indigoxrpc.Error) bool {
	if xrpcerr.StatusCode != http.StatusBadRequest {
		return false
	}

	var inner *indigoxrpc.XRPCError
	if !errors.As(xrpcerr.Wrapped, &inner) {
		return false
	}
	return strings.Contains(strings.ToLower(inner.Message), "not found")
}

// retryable reports whether repeating the request may succeed: rate limits,
// server errors and transport failures.
func retryable(err error) bool {
	return errors.Is(err, ErrXrpcRateLimited) || errors.Is(err, ErrXrpcFailed)
}
