package biometric

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFaceDetected is returned when the extractor finds no face in a frame.
	// The caller should retry with a new frame.
	ErrNoFaceDetected = errors.New("no face detected")

	// ErrNoSamples is returned when refinement or finalize runs without samples.
	ErrNoSamples = errors.New("no face samples collected")

	// ErrSampleLimit is returned when a pending enrollment reached its sample cap.
	ErrSampleLimit = errors.New("enrollment sample limit reached")

	// ErrDimensionMismatch is the sentinel wrapped by DimensionMismatchError.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrDuplicateIdentity is the sentinel wrapped by DuplicateIdentityError.
	ErrDuplicateIdentity = errors.New("face already registered to another account")

	// ErrVerificationFailed is the sentinel wrapped by VerifyError.
	ErrVerificationFailed = errors.New("face not recognized")

	// ErrEnrollmentClosed is returned when a frame targets an enrollment that
	// is already being finalized or was discarded.
	ErrEnrollmentClosed = errors.New("enrollment is no longer collecting")
)

// DimensionMismatchError indicates two embeddings of different length were compared.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// DuplicateIdentityError reports that a candidate reference matched an enrolled identity.
// Error() stays generic; Existing and Score are for auditing and must not be
// shown to the person enrolling.
type DuplicateIdentityError struct {
	Existing Identity
	Score    float64
	Skipped  int
}

func (e *DuplicateIdentityError) Error() string {
	return ErrDuplicateIdentity.Error()
}

func (e *DuplicateIdentityError) Unwrap() error { return ErrDuplicateIdentity }

// VerifyError is the generic verification failure. It never carries the best
// score or the nearest identity.
type VerifyError struct {
	Skipped int // unreadable records skipped during the scan
}

func (e *VerifyError) Error() string {
	return ErrVerificationFailed.Error()
}

func (e *VerifyError) Unwrap() error { return ErrVerificationFailed }
