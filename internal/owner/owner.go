// Package owner identifies who a set of threads belongs to: an anonymous
// guest tracked by cookie, or an authenticated user.
package owner

import "strings"

const (
	guestPrefix = "guest:"
	GuestScope  = "guest"
)

type Owner struct {
	guestID string
	userID  string
	token   string
}

func Guest(cookieID string) Owner {
	return Owner{guestID: strings.TrimSpace(cookieID)}
}

func Authenticated(userID, token string) Owner {
	return Owner{userID: strings.TrimSpace(userID), token: token}
}

func (o Owner) IsGuest() bool {
	return o.userID == ""
}

// ID is the server side owner key.
func (o Owner) ID() string {
	if o.IsGuest() {
		return guestPrefix + o.guestID
	}
	return o.userID
}

func (o Owner) UserID() string  { return o.userID }
func (o Owner) GuestID() string { return o.guestID }
func (o Owner) Token() string   { return o.token }

// Scope names the local cache partition. User scopes are prefixed so no user
// id can land in the guest partition.
func (o Owner) Scope() string {
	if o.IsGuest() {
		return GuestScope
	}
	return "user:" + o.userID
}
