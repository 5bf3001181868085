package database

import (
	"fmt"

	verrors "github.com/mantonx/videory/internal/errors"
)

// Validate checks the invariants every persisted record must hold
func (v *VideoRecord) Validate() error {
	if v.ContentHash == "" || v.SourcePath == "" {
		return verrors.ValidationError("validate", verrors.ErrInvalidInput).
			WithDetail("reason", "content hash and source path are required")
	}

	if v.TranscodedPath != nil {
		if v.IsTranscoding {
			return invalid(v, "transcoded record is still marked in progress")
		}
		if v.FailureReason != nil {
			return invalid(v, "transcoded record carries a failure reason")
		}
	}

	if v.IsTranscoding && v.FailureReason != nil {
		return invalid(v, "in progress record carries a failure reason")
	}

	return nil
}

func invalid(v *VideoRecord, reason string) error {
	return verrors.ValidationError("validate",
		fmt.Errorf("%w: %s", verrors.ErrInvalidTransition, reason)).WithKey(v.Key())
}
