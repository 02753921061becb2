package keel

import "errors"

var (
	// ErrNotFound is returned when a file is absent from every tier.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPath is returned for absolute, escaping, or malformed paths.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidOwner is returned when a workspace owner is missing required ids.
	ErrInvalidOwner = errors.New("invalid workspace owner")

	// ErrStorageWrite is returned when the durable store rejects an upload after retries.
	ErrStorageWrite = errors.New("durable store write failed")

	// ErrMetadataCommit is returned when the metadata transaction fails after a successful upload.
	ErrMetadataCommit = errors.New("metadata commit failed")

	// ErrNothingToRestore is returned by rehydration when a project was never persisted.
	ErrNothingToRestore = errors.New("no files to restore")

	// ErrPresignUnsupported is returned by stores that cannot hand out plaintext URLs.
	ErrPresignUnsupported = errors.New("presigned reads not supported")

	// ErrLocked is returned by encrypted stores read before Unlock.
	ErrLocked = errors.New("object store is locked")
)
