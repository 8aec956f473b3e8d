package subscription

import "errors"

var (
	ErrNotFound       = errors.New("subscription: not found")
	ErrAlreadyExists  = errors.New("subscription: already exists")
	ErrUnknownCounter = errors.New("subscription: unknown usage counter")
	ErrStore          = errors.New("subscription: store operation failed")

	ErrTransitionRefused = errors.New("subscription: status does not permit this change")
)
