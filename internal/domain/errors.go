package domain

import "errors"

var (
	// ErrRateLimited is returned when the platform reports frequency
	// control. Callers retry with a fixed wait before giving up.
	ErrRateLimited = errors.New("rate limited by platform")

	// ErrNotFound is returned when the identifier search yields no
	// candidates, which usually means the credential is no longer valid.
	ErrNotFound = errors.New("identifier not found")

	// ErrMissingCredential marks a run aborted before any fetch because
	// the target has no usable token/cookie.
	ErrMissingCredential = errors.New("missing credential")

	// ErrStaleExternalID marks a run that still fetched nothing after the
	// cached identifier was invalidated and re-resolved once.
	ErrStaleExternalID = errors.New("external id stale")
)
