package airquality

import "errors"

var (
	// ErrInsufficientData is returned when a series is too short to build
	// features, train, forecast or evaluate accuracy.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrArtifactNotFound is returned when a scaler or model has not been
	// trained yet for the requested zone.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrShapeMismatch is returned when an input does not match the feature
	// layout a model or scaler was fit on.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrOverfitSuspected marks a training warning. It is never returned as
	// a failure.
	ErrOverfitSuspected = errors.New("overfitting suspected")

	ErrDriftDetected = errors.New("drift detected")
	ErrCriticalDrift = errors.New("critical drift")

	ErrUnknownZone    = errors.New("unknown zone")
	ErrInvalidHorizon = errors.New("invalid horizon")
)
