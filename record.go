package offline

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// IDField is a record field that holds record id.
	IDField = "id"

	// TempIDPrefix marks ids of records that were created offline and are not known to server yet.
	TempIDPrefix = "pending-"
)

// Record is a JSON object of a resource.
type Record map[string]interface{}

// ID returns record id or empty string.
func (r Record) ID() string {
	switch v := r[IDField].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// JSON numbers.
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}

	return c
}

// Patched returns a shallow copy with patch fields applied over record fields.
func (r Record) Patched(patch Record) Record {
	c := r.Clone()
	for k, v := range patch {
		c[k] = v
	}

	return c
}

// IsPendingID reports whether id belongs to a record that only exists as a pending create.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewTempID returns a new id with TempIDPrefix.
//
// Ids are time ordered, so lexical order matches creation order.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return TempIDPrefix + id.String()
}
