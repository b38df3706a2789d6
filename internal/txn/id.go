package txn

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Smoac/openbis-fork-sub014/internal/uuidv7"
)

// ID identifies one logical transaction. It is supplied by the caller and
// shared by the coordinator and every participant.
type ID = uuid.UUID

// NewID returns a fresh time-ordered transaction id.
func NewID() ID {
	return uuidv7.New()
}

// ParseID parses the canonical textual form of a transaction id.
func ParseID(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: transaction id required", ErrInvalidArgument)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: transaction id %q: %v", ErrInvalidArgument, raw, err)
	}
	return id, nil
}

// CheckID rejects the nil id.
func CheckID(id ID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: transaction id required", ErrInvalidArgument)
	}
	return nil
}
