package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the database-independent form of one entity row. It never
// carries surrogate IDs; parents are referenced by natural key inside Data.
type Snapshot struct {
	Table      string          `json:"table"`
	NaturalKey string          `json:"naturalKey"`
	Version    int             `json:"version"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	Deleted    bool            `json:"deleted,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NormalizeTime puts a timestamp into the canonical form used by every store:
// UTC with microsecond precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// JoinKey builds a natural key from its components. Components are escaped so
// that "a/b"+"c" and "a"+"b/c" never collide.
func JoinKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

// SplitKey reverses JoinKey and checks the number of components.
func SplitKey(key string, n int) ([]string, error) {
	raw := strings.Split(key, "/")
	if len(raw) != n {
		return nil, fmt.Errorf("natural key %q: want %d components, got %d", key, n, len(raw))
	}
	parts := make([]string, n)
	for i, p := range raw {
		v, err := url.PathUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("natural key %q: %w", key, err)
		}
		parts[i] = v
	}
	return parts, nil
}

// Cursor is a keyset position on (modified_at, id) used to page pulls.
type Cursor struct {
	ModifiedAt time.Time
	ID         uint
}

func (c Cursor) Encode() string {
	return strconv.FormatInt(c.ModifiedAt.UnixMicro(), 10) + "." + strconv.FormatUint(uint64(c.ID), 10)
}

func DecodeCursor(raw string) (*Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	micros, id, ok := strings.Cut(raw, ".")
	if !ok {
		return nil, errors.New("malformed cursor")
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	return &Cursor{ModifiedAt: time.UnixMicro(us).UTC(), ID: uint(n)}, nil
}
