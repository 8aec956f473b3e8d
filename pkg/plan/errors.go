package plan

import "errors"

var (
	ErrUnknownPlan   = errors.New("plan: unknown plan id")
	ErrConfiguration = errors.New("plan: invalid plan configuration")
)
