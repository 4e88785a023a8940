package oauth

import (
	"fmt"

	"github.com/google/uuid"
)

// NewState returns an unguessable state nonce for one authorization request.
// uuid.NewRandom draws from crypto/rand; an error means the entropy source
// failed and the flow cannot proceed.
func NewState() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	return id.String(), nil
}
