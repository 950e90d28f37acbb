package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// ParseVisibility accepts the four known visibilities plus "followers",
// which some clients send for private.
func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(s) {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityDirect:
		return Visibility(s), true
	case "followers":
		return VisibilityPrivate, true
	}
	return "", false
}

type StatusKind string

const (
	KindNote     StatusKind = "note"
	KindAnnounce StatusKind = "announce"
	KindQuestion StatusKind = "question"
)

// Status is a published object. Announce rows are boosts and always point
// at the original through ReblogOfId.
type Status struct {
	Id             uuid.UUID
	URI            string
	AccountId      uuid.UUID
	Kind           StatusKind
	Content        string
	ContentWarning string
	Visibility     Visibility
	InReplyToURI   string
	ReblogOfId     *uuid.UUID
	PollOptions    []string
	Mentions       []string // actor URIs addressed explicitly
	Local          bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (s *Status) IsTombstoned() bool {
	return s.DeletedAt != nil
}

func (s *Status) IsPublic() bool {
	return s.Visibility == VisibilityPublic
}

// Addresses reports whether actorURI is addressed directly.
func (s *Status) Addresses(actorURI string) bool {
	for _, m := range s.Mentions {
		if m == actorURI {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a status before it is stored.
func (s *Status) Validate() error {
	if s.URI == "" {
		return NewValidationError("status has no id")
	}
	if _, ok := ParseVisibility(string(s.Visibility)); !ok {
		return NewValidationError("unknown visibility %q", s.Visibility)
	}
	switch s.Kind {
	case KindAnnounce:
		if s.ReblogOfId == nil {
			return NewValidationError("announce %s does not reference a status", s.URI)
		}
	case KindNote:
		if s.ReblogOfId != nil {
			return NewValidationError("note %s cannot reference a reblogged status", s.URI)
		}
	case KindQuestion:
		if s.ReblogOfId != nil {
			return NewValidationError("question %s cannot reference a reblogged status", s.URI)
		}
		if len(s.PollOptions) < 2 {
			return NewValidationError("question %s needs at least two choices", s.URI)
		}
	default:
		return NewValidationError("unknown status kind %q", s.Kind)
	}
	return nil
}

func (s *Status) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tURI: %s \n\tKind: %s \n\tVersion: %d \n\tCreatedAt: %s)", s.Id, s.URI, s.Kind, s.Version, s.CreatedAt)
}

// StatusEdit is one historical version of a status.
type StatusEdit struct {
	StatusId       uuid.UUID
	Version        int64
	Content        string
	ContentWarning string
	EditedAt       time.Time
}
