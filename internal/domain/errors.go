package domain

import "errors"

// Error taxonomy (sentinels). Handlers map these onto HTTP statuses; the
// executor and pipeline convert them into recorded step errors instead of
// letting them unwind the request.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMissingSession   = errors.New("session required")
	ErrRateLimited      = errors.New("rate limited")
	ErrNotFound         = errors.New("not found")
	ErrAdapterNotFound  = errors.New("adapter not found")
	ErrAdapterLoad      = errors.New("adapter load failed")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrPoolNotFound     = errors.New("pool not found")
	ErrPoolSaturated    = errors.New("pool saturated")
	ErrTimeout          = errors.New("timeout")
	ErrUpstream         = errors.New("upstream provider error")
	ErrModerationUnsafe = errors.New("content flagged by moderation")
	ErrInternal         = errors.New("internal error")
)
