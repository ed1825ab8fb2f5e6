package main

import "errors"

var (
	ErrUnauthorized      = errors.New("api: user unauthorized")
	ErrConflict          = errors.New("api: resource already exists")
	ErrBadRequest        = errors.New("api: bad request")
	ErrNotFound          = errors.New("api: not found")
	ErrProcessingFailure = errors.New("api: image processing failed")
)
