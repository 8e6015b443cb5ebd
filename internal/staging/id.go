package staging

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forest-release/forest/internal/releaseerr"
)

// ID is a staging session identifier: a unix-second creation timestamp plus a
// UUIDv4, encoded for the wire as "<unix_seconds>.<uuid>".
type ID struct {
	CreatedAt time.Time
	UUID      uuid.UUID
}

// NewID mints a fresh staging id at the current time.
func NewID() ID {
	return ID{CreatedAt: time.Now().UTC(), UUID: uuid.New()}
}

// String renders the wire format.
func (id ID) String() string {
	return fmt.Sprintf("%d.%s", id.CreatedAt.Unix(), id.UUID.String())
}

// ParseID parses the wire format, rejecting inputs missing the separator,
// with a non-integer timestamp, or with a non-UUID tail.
func ParseID(s string) (ID, error) {
	sep := strings.IndexByte(s, '.')
	if sep < 0 {
		return ID{}, releaseerr.New(releaseerr.CodeValidation, "staging id missing '.' separator")
	}

	tsPart, uuidPart := s[:sep], s[sep+1:]

	seconds, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ID{}, releaseerr.Wrap(releaseerr.CodeValidation, "staging id has non-integer timestamp", err)
	}

	u, err := uuid.Parse(uuidPart)
	if err != nil {
		return ID{}, releaseerr.Wrap(releaseerr.CodeValidation, "staging id has non-uuid tail", err)
	}

	return ID{CreatedAt: time.Unix(seconds, 0).UTC(), UUID: u}, nil
}
