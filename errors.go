package restir

import "errors"

var (
	// ErrNoScene is returned when an instance or pass is created without
	// a scene.
	ErrNoScene = errors.New("restir: no scene")

	// ErrInvalidState is returned when BeginFrame, Update and EndFrame are
	// called out of order.
	ErrInvalidState = errors.New("restir: invalid frame state")

	// ErrInvalidOptions is returned when Options fail validation.
	ErrInvalidOptions = errors.New("restir: invalid options")
)
