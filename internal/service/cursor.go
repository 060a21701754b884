package service

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"farmlokal-api/internal/catalog"
)

// ErrInvalidCursor is returned by DecodeCursor for anything it did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor renders a position as base64("<created_at>|<id>").
func EncodeCursor(pos catalog.Position) string {
	raw := pos.CreatedAt + "|" + strconv.FormatInt(pos.ID, 10)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor. Both parts must be well formed:
// a timestamp in catalog.TimestampLayout and a canonical non-negative decimal id.
func DecodeCursor(cursor string) (catalog.Position, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return catalog.Position{}, ErrInvalidCursor
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 2 {
		return catalog.Position{}, ErrInvalidCursor
	}
	if _, err := time.Parse(catalog.TimestampLayout, parts[0]); err != nil {
		return catalog.Position{}, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id < 0 || strconv.FormatInt(id, 10) != parts[1] {
		return catalog.Position{}, ErrInvalidCursor
	}
	return catalog.Position{CreatedAt: parts[0], ID: id}, nil
}
