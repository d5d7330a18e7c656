package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrExchangeFailed matches every error returned by Client.Exchange.
var ErrExchangeFailed = errors.New("token exchange failed")

// Error describes a failed exchange. Messages never include the identity
// token, the client secret or the response body.
type Error struct {
	// StatusCode is the HTTP status returned by the identity domain, or zero
	// when no response was received.
	StatusCode int

	// Code is the OAuth error code from the response body, when present.
	Code string

	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(ErrExchangeFailed.Error())
	b.WriteString(": ")
	b.WriteString(e.Reason)

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d", e.StatusCode)
		if e.Code != "" {
			fmt.Fprintf(&b, ", %s", e.Code)
		}
		b.WriteString(")")
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrExchangeFailed
}

// Temporary reports whether a later attempt could succeed without any change
// to the token: the domain was unreachable, throttled the request or failed
// internally.
func (e *Error) Temporary() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}
