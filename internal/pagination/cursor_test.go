package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	createdAt := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	rowID := "0b9c6f3a-42f1-4c25-9f0a-1d2e3f405162"

	minted := Encode(createdAt, rowID)
	assert.NotEmpty(t, minted)

	parsed, err := Decode(minted)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, createdAt, parsed.CreatedAt)
	assert.Equal(t, rowID, parsed.ID)
}

func TestDecode_EmptyMeansFirstPage(t *testing.T) {
	parsed, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestDecode_RejectsForeignCursors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not base64", "not-base64!!!"},
		{"no separator", base64.URLEncoding.EncodeToString([]byte("nopipe"))},
		{"non-numeric timestamp", base64.URLEncoding.EncodeToString([]byte("soon|row-1"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestComputePage(t *testing.T) {
	fetchedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return fetchedAt, s }

	tests := []struct {
		name     string
		items    []string
		limit    int
		wantLen  int
		wantMore bool
	}{
		{"short page", []string{"entry-0", "entry-1"}, 5, 2, false},
		{"exactly limit", []string{"entry-0", "entry-1", "entry-2"}, 3, 3, false},
		{"extra row trimmed", []string{"entry-0", "entry-1", "entry-2", "entry-3"}, 3, 3, true},
		{"empty", nil, 10, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, cursor, hasMore := ComputePage(tt.items, tt.limit, key)
			assert.Len(t, page, tt.wantLen)
			assert.Equal(t, tt.wantMore, hasMore)

			if !tt.wantMore {
				assert.Empty(t, cursor)
				return
			}
			// The cursor names the last row actually served.
			parsed, err := Decode(cursor)
			require.NoError(t, err)
			assert.Equal(t, page[len(page)-1], parsed.ID)
		})
	}
}
