package router

import (
	"errors"
	"fmt"
)

// UserError is a failure whose message is safe to show the invoking user.
type UserError struct{ Msg string }

func (e *UserError) Error() string { return e.Msg }

func userErr(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

func asUserError(err error, target **UserError) bool { return errors.As(err, target) }

const (
	msgRetryLater = "Something went wrong on our side. Please try again in a moment."
	msgTimedOut   = "That is taking longer than expected. It may still complete; check again shortly."
	msgBusy       = "The bot is busy right now. Please try again in a moment."
)

// userMessage maps a handler error to what the user sees.
func userMessage(err error) string {
	var ue *UserError
	if asUserError(err, &ue) {
		return ue.Msg
	}
	return msgRetryLater
}
