package auth

import "github.com/google/uuid"

// guestNamespace is the fixed UUIDv5 namespace for guest handles. A guest
// handle must always map to the same user id so reconnecting guests land on
// their own games and archive rows.
var guestNamespace = uuid.MustParse("7c9e1f3a-2b4d-4e58-9c1a-8f20d16bc4e5")

// GuestUserID derives the stable user id for a guest handle.
func GuestUserID(handle string) string {
	return uuid.NewSHA1(guestNamespace, []byte("guest:"+handle)).String()
}
