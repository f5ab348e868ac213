package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

// FollowType records why the local user follows an account.
type FollowType int

const (
	// Unknown: no open follow from the local user, or the reason was never observed.
	Unknown FollowType = iota
	// Manual: the local user followed the account themselves.
	Manual
	// AutoFollow: the follow was created by an automated follow process.
	AutoFollow
)

var ErrInvalidFollowType = errors.New("invalid follow type")

func (t FollowType) String() string {
	switch t {
	case Manual:
		return "Manual"
	case AutoFollow:
		return "AutoFollow"
	case Unknown:
		return "Unknown"
	default:
		return fmt.Sprintf("FollowType(%d)", int(t))
	}
}

func (t FollowType) Valid() bool {
	return t == Unknown || t == Manual || t == AutoFollow
}

func ParseFollowType(s string) (FollowType, error) {
	switch s {
	case "Manual":
		return Manual, nil
	case "AutoFollow":
		return AutoFollow, nil
	case "Unknown":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("%w: %q", ErrInvalidFollowType, s)
	}
}

// Value stores the type by name. Anything outside the three named
// states is refused before it reaches the database.
func (t FollowType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFollowType, int(t))
	}
	return t.String(), nil
}

// Scan normalizes unrecognised stored values to Unknown.
func (t *FollowType) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*t = Unknown
		return nil
	default:
		return fmt.Errorf("cannot scan %T into FollowType", src)
	}

	parsed, err := ParseFollowType(s)
	if err != nil {
		parsed = Unknown
	}
	*t = parsed
	return nil
}

func (t FollowType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFollowType, int(t))
	}
	return []byte(t.String()), nil
}

func (t *FollowType) UnmarshalText(text []byte) error {
	parsed, err := ParseFollowType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Relationship is the persisted state of one account relative to the
// local user. There is exactly one per did ever observed.
type Relationship struct {
	Did           string
	Handle        string
	Type          FollowType
	NumOfAttempts int
	// nil when never observed
	FollowsMe      *bool
	IsBlacklisted  bool
	CreatedAt      time.Time
	LastFollowedAt *time.Time
}

// IsFollower reports whether the account is known to follow the local user.
func (r *Relationship) IsFollower() bool {
	return r.FollowsMe != nil && *r.FollowsMe
}

// IsFollowed reports whether the local user has an open follow on the account.
func (r *Relationship) IsFollowed() bool {
	return r.Type != Unknown
}

func Bool(b bool) *bool {
	return &b
}
