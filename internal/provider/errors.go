package provider

import "errors"

var (
	// ErrUnsupportedProvider is returned for an agent whose provider has no
	// registered invoker.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrEmptyResponse is returned when a provider produced no text.
	ErrEmptyResponse = errors.New("provider returned an empty response")

	// ErrModelRequired is returned by providers that cannot pick a default
	// model.
	ErrModelRequired = errors.New("model is required")
)
