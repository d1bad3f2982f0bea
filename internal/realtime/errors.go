package realtime

import (
	"errors"
	"fmt"
)

// CallError is a business-rule failure returned by a backend procedure,
// e.g. a slot conflict or an authorization denial. It is distinct from
// transport errors: callers surface it to the user instead of retrying.
type CallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// AsCallError unwraps err into a *CallError if it is one.
func AsCallError(err error) (*CallError, bool) {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr, true
	}
	return nil, false
}

// Well-known backend error codes.
const (
	CodeNotFound      = 40401
	CodeNotAuthorized = 40301
	CodeSlotConflict  = 40901
	CodeServerError   = 50001
)
