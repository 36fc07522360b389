package smtp

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"

	"github.com/mailbridge/mailbridge/internal/enum"
)

// SendError carries the SMTP failure class so callers can decide between
// retrying and failing a delivery permanently.
type SendError struct {
	Class enum.DeliveryErrorClass
	Err   error
}

func (e *SendError) Error() string {
	return e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func (e *SendError) Permanent() bool {
	return e.Class.Permanent()
}

// Classify maps an error from dialing or sending to a delivery error class.
// Auth rejections and per-recipient rejections are permanent, everything
// else is treated as a transient connection problem.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}

	class := enum.DeliveryErrorTransient

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case 530, 534, 535, 538:
			class = enum.DeliveryErrorAuth
		case 550, 551, 552, 553:
			class = enum.DeliveryErrorRejected
		}
	} else if isAuthFailure(err) {
		class = enum.DeliveryErrorAuth
	}

	return &SendError{Class: class, Err: err}
}

func isAuthFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "invalid credentials") ||
		strings.Contains(msg, "username and password not accepted")
}
