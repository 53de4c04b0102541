package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selma-orchestration/maestro/internal/storage"
)

// DecodeJobCursor parses a cursor produced by EncodeJobCursor. An empty
// string is the first page.
func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var created int64
	if _, err := fmt.Sscanf(parts[0], "%d", &created); err != nil {
		return nil, fmt.Errorf("invalid created time in cursor: %w", err)
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid job id in cursor: %w", err)
	}

	return &storage.JobCursor{
		Created: time.Unix(0, created).UTC(),
		ID:      id,
	}, nil
}

func EncodeJobCursor(cursor *storage.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.Created.UnixNano(), cursor.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
