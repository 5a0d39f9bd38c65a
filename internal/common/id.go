package common

import (
	"fmt"

	"github.com/google/uuid"
)

// NewJobID generates a unique batch job ID.
// Format: batch-<8 hex chars>
func NewJobID() string {
	u := uuid.New()
	return "batch-" + fmt.Sprintf("%x", u[:4])
}

// NewArtifactName generates a unique screenshot filename for the given format.
// Format: <uuid>.<format>
func NewArtifactName(format string) string {
	return uuid.New().String() + "." + format
}
