package errors

import "github.com/pkg/errors"

var (
	// pool errors
	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrConnectionOpenFailed = errors.New("failed to open connection")
	ErrPoolClosed           = errors.New("connection pool is closed")

	// delivery errors
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrAlreadyClaimed   = errors.New("delivery already claimed")
	ErrInvalidEmail     = errors.New("email address is invalid")

	// account errors
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")

	// discovery errors
	ErrDiscoveryNotFound = errors.New("no usable mail server settings found")
)
