// ABOUTME: Maps mautrix and network errors onto the transport error kinds.
// ABOUTME: Revoked, deactivated, locked and suspended accounts count as frozen.

package matrix

import (
	"context"
	"errors"
	"net"
	"net/http"

	"maunium.net/go/mautrix"

	"github.com/2389/mimic/internal/transport"
)

// errcodes that mean the homeserver will never accept this access token again.
var frozenCodes = map[string]bool{
	"M_UNKNOWN_TOKEN":    true,
	"M_MISSING_TOKEN":    true,
	"M_USER_DEACTIVATED": true,
	"M_USER_LOCKED":      true,
	"M_USER_SUSPENDED":   true,
}

// classify wraps err in a *transport.Error whose kind reflects the failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return transport.NewError(kindOf(err), op, err)
}

func kindOf(err error) transport.Kind {
	var httpErr mautrix.HTTPError
	var httpErrPtr *mautrix.HTTPError
	switch {
	case errors.As(err, &httpErrPtr):
		return httpKind(httpErrPtr)
	case errors.As(err, &httpErr):
		return httpKind(&httpErr)
	}

	var respErr *mautrix.RespError
	if errors.As(err, &respErr) {
		return codeKind(respErr.ErrCode, 0)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return transport.KindUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transport.KindUnavailable
	}
	return transport.KindOther
}

func httpKind(e *mautrix.HTTPError) transport.Kind {
	status := 0
	if e.Response != nil {
		status = e.Response.StatusCode
	}
	if e.RespError != nil && e.RespError.ErrCode != "" {
		return codeKind(e.RespError.ErrCode, status)
	}
	switch {
	case status == 0:
		// No response at all: the request never reached the homeserver.
		return transport.KindUnavailable
	case status == http.StatusNotFound:
		return transport.KindNotFound
	case status >= 500, status == http.StatusTooManyRequests:
		return transport.KindUnavailable
	}
	return transport.KindOther
}

func codeKind(code string, status int) transport.Kind {
	switch {
	case frozenCodes[code]:
		return transport.KindCredentialsInvalid
	case code == "M_NOT_FOUND":
		return transport.KindNotFound
	case code == "M_LIMIT_EXCEEDED":
		return transport.KindUnavailable
	case status >= 500:
		return transport.KindUnavailable
	}
	return transport.KindOther
}
