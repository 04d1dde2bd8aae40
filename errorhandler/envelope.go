package errorhandler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/JohnPlummer/jp-go-apiguard/scrub"
)

// UnclassifiedErrorCode is the error code of every envelope without a more specific one.
const UnclassifiedErrorCode = 666

// ErrorEnvelope is the JSON body returned to clients on failure.
type ErrorEnvelope struct {
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
	Handled           bool   `json:"handled"`
	ErrorCode         int    `json:"errorCode"`
	Error             string `json:"error"`
	ErrorDetails      string `json:"errorDetails,omitempty"`
}

// Classification is the result of classifying an error for the client and the logs.
type Classification struct {
	Envelope ErrorEnvelope
	// DeveloperMessage is the raw, unscrubbed detail. It is only ever logged.
	DeveloperMessage string
	// Logger is the logger attached to an AppError, or nil.
	Logger *slog.Logger
}

// Classify maps err to an envelope. An AppError anywhere in the chain keeps its
// status and is handled; anything else is an unhandled 500 described by the
// innermost error's message.
func Classify(err error, scrubber *scrub.Scrubber) Classification {
	var (
		c         Classification
		message   string
		developer string
	)

	var appErr *AppError
	if errors.As(err, &appErr) {
		c.Envelope = ErrorEnvelope{
			StatusCode:        appErr.status(),
			StatusDescription: appErr.description(),
			Handled:           true,
			ErrorCode:         appErr.ErrorCode,
		}
		if c.Envelope.ErrorCode == 0 {
			c.Envelope.ErrorCode = UnclassifiedErrorCode
		}
		message = appErr.Error()
		developer = appErr.developerMessage()
		c.Logger = appErr.Logger
	} else {
		c.Envelope = ErrorEnvelope{
			StatusCode:        http.StatusInternalServerError,
			StatusDescription: StatusDescription(http.StatusInternalServerError),
			ErrorCode:         UnclassifiedErrorCode,
		}
		if err != nil {
			message = baseError(err).Error()
			developer = err.Error()
		}
	}

	c.Envelope.Error = scrubber.Scrub(message)
	c.DeveloperMessage = developer
	if details := scrubber.Scrub(developer); details != c.Envelope.Error {
		c.Envelope.ErrorDetails = details
	}
	return c
}

// BuildEnvelope returns the envelope Classify produces for err.
func BuildEnvelope(err error, scrubber *scrub.Scrubber) ErrorEnvelope {
	return Classify(err, scrubber).Envelope
}

// baseError follows the Unwrap chain to its end. For joined errors it follows the first.
func baseError(err error) error {
	for {
		var next error
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			next = e.Unwrap()
		case interface{ Unwrap() []error }:
			if errs := e.Unwrap(); len(errs) > 0 {
				next = errs[0]
			}
		}
		if next == nil {
			return err
		}
		err = next
	}
}
