package api

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidTenant  = errors.New("invalid tenant id")
)
