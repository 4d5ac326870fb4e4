package services

import "errors"

// Gateway errors
var (
	ErrInvalidSecret = errors.New("auth: invalid secret")
)

// Pipeline errors
var (
	ErrGenerationFailed     = errors.New("generator: generation failed")
	ErrRepositoryResolution = errors.New("publish: cannot create or fetch repository")
	ErrPartialPublish       = errors.New("publish: some artifacts were not committed")
	ErrPreviousReadme       = errors.New("pipeline: previous README unavailable")
	ErrOutcomePersist       = errors.New("pipeline: outcome could not be stored")
)

// Run registry errors
var (
	ErrRunNotFound = errors.New("run: not found")
	ErrRunTerminal = errors.New("run: already in a terminal state")
)
