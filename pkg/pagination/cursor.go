// Package pagination implements cursor-based paging over arbitrary
// sort keys: an opaque, versioned cursor wire format and the
// tuple-comparison predicate that seeks past the previous page without
// re-sending filters.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	apperrors "github.com/conda-store/condastore/internal/errors"
)

// cursorVersion is bumped when the wire format changes; decoders
// reject versions they do not understand.
const cursorVersion = 1

// maxCursorBytes caps the encoded cursor length so a hostile client cannot
// feed the decoder an arbitrarily large cursor.
const maxCursorBytes = 4096

// Cursor carries the seek keys of the last row of a previous page plus
// a total-count hint. Unknown fields are tolerated on read; the
// required fields must be present.
type Cursor struct {
	Version   int            `json:"v"`
	LastID    int64          `json:"last_id"`
	LastValue map[string]any `json:"last_value"`
	Count     int64          `json:"count"`
}

// Encode renders the cursor as URL-safe base64 of its JSON form.
func (c *Cursor) Encode() (string, error) {
	c.Version = cursorVersion
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a client-supplied cursor strictly: size-capped,
// valid base64, valid JSON, a known version, and the required seek
// fields present.
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}
	if len(encoded) > maxCursorBytes {
		return nil, apperrors.NewValidationError("cursor exceeds maximum size")
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.NewValidationError("cursor is not valid base64")
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, apperrors.NewValidationError("cursor is not valid JSON")
	}
	if c.Version != cursorVersion {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported cursor version %d", c.Version))
	}
	if c.LastID == 0 {
		return nil, apperrors.NewValidationError("cursor is missing last_id")
	}
	if c.LastValue == nil {
		return nil, apperrors.NewValidationError("cursor is missing last_value")
	}
	return &c, nil
}
