package util

import (
	"github.com/google/uuid"
)

// ShortIDLength is the number of hex characters kept from a random UUID.
const ShortIDLength = 8

// ShortID returns a random 8-character identifier. It is used for relay
// connection ids and for abstract peers created without an explicit id.
// Collisions are possible in theory; callers that keep a registry check for
// an existing entry before using it.
func ShortID() string {
	return uuid.NewString()[:ShortIDLength]
}
