// Package pagination implements the keyset cursors behind the list
// endpoints. A cursor names the (createdAt, id) pair of the last row
// served; the next page keys on that pair instead of an OFFSET, so rows
// landing mid-scroll cannot shift or duplicate results.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for any cursor the server did not mint.
// Handlers map it to a 400; the payload is opaque to clients on purpose.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a decoded position in a result set ordered by
// (created_at DESC, id DESC).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a row key into an opaque cursor string.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor string. Empty input means "first page" and
// decodes to nil without error.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{
		CreatedAt: time.Unix(0, n).UTC(),
		ID:        id,
	}, nil
}

// ComputePage trims a limit+1 fetch down to the page. When the extra row
// is present it returns the cursor for the last kept row and hasMore.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
