package entity

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// LocalPrefix marks identifiers minted on the device before the server has
// acknowledged the record.
const LocalPrefix = "client-"

// ID is a record identifier that knows whether it was issued by the server
// or generated locally and is still awaiting remapping.
type ID struct {
	value string
	local bool
}

// NewLocalID mints a fresh local identifier.
func NewLocalID() ID {
	return LocalID(uuid.New())
}

// LocalID wraps a locally generated uuid.
func LocalID(u uuid.UUID) ID {
	return ID{value: LocalPrefix + u.String(), local: true}
}

// RemoteID wraps a server-issued identifier.
func RemoteID(s string) ID {
	return ID{value: s}
}

// ParseID classifies a stored identifier. Besides LocalPrefix, any of
// tempPrefixes also marks the identifier as local.
func ParseID(s string, tempPrefixes ...string) ID {
	if strings.HasPrefix(s, LocalPrefix) {
		return ID{value: s, local: true}
	}
	for _, p := range tempPrefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return ID{value: s, local: true}
		}
	}
	return ID{value: s}
}

func (id ID) String() string { return id.value }

// IsLocal reports whether the identifier has not been remapped to a server id yet.
func (id ID) IsLocal() bool { return id.local }

func (id ID) IsZero() bool { return id.value == "" }

// UUID returns the uuid behind a local identifier minted by NewLocalID.
// Legacy local identifiers that are not uuids report false.
func (id ID) UUID() (uuid.UUID, bool) {
	if !id.local || !strings.HasPrefix(id.value, LocalPrefix) {
		return uuid.UUID{}, false
	}
	u, err := uuid.Parse(strings.TrimPrefix(id.value, LocalPrefix))
	if err != nil {
		return uuid.UUID{}, false
	}
	return u, true
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}
