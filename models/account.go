package models

import (
	"fmt"
)

// RelationKind selects which side of the follow graph is listed.
type RelationKind int

const (
	Followers RelationKind = iota
	Follows
)

func (k RelationKind) String() string {
	switch k {
	case Followers:
		return "followers"
	case Follows:
		return "follows"
	default:
		return fmt.Sprintf("RelationKind(%d)", int(k))
	}
}

// Account is a remote account reference as returned by a listing.
// It is read-only input and never stored as is.
type Account struct {
	Did    string `json:"did" yaml:"did"`
	Handle string `json:"handle" yaml:"handle"`
	// the account follows the viewer
	FollowedBy bool `json:"followedBy,omitempty" yaml:"followedBy,omitempty"`
	// at-uri of the viewer's follow record on this account, if any
	Following string `json:"following,omitempty" yaml:"following,omitempty"`
}

// Profile carries the counters of an identity's profile.
type Profile struct {
	Did            string
	Handle         string
	FollowersCount int64
	FollowsCount   int64
}

// Page is one page of a listing.
type Page struct {
	Accounts []Account
	// empty when the remote declares the listing finished
	Cursor string
}

// DidSet indexes accounts by did.
func DidSet(accounts []Account) map[string]struct{} {
	set := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		set[a.Did] = struct{}{}
	}
	return set
}
