package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeletionStatus tracks the soft-deletion lifecycle of an actor.
type DeletionStatus string

const (
	DeletionNone      DeletionStatus = "none"
	DeletionScheduled DeletionStatus = "scheduled"
	DeletionDeleting  DeletionStatus = "deleting"
	DeletionRemoved   DeletionStatus = "removed"
)

var deletionSteps = map[DeletionStatus]DeletionStatus{
	DeletionNone:      DeletionScheduled,
	DeletionScheduled: DeletionDeleting,
	DeletionDeleting:  DeletionRemoved,
}

// CanTransition reports whether the lifecycle may move from s to next.
// Only forward single steps are allowed.
func (s DeletionStatus) CanTransition(next DeletionStatus) bool {
	return deletionSteps[s] == next
}

// Actor is either a local account (it holds a private key) or a cached
// read-only mirror of a remote one.
type Actor struct {
	Id                        uuid.UUID
	Username                  string
	Domain                    string
	URI                       string
	DisplayName               string
	Summary                   string
	InboxURI                  string
	SharedInboxURI            string
	OutboxURI                 string
	FollowersURI              string
	FollowingURI              string
	PublicKeyPem              string
	PrivateKeyPem             string
	ManuallyApprovesFollowers bool
	DefaultVisibility         Visibility
	DeletionStatus            DeletionStatus
	CreatedAt                 time.Time
	LastFetchedAt             time.Time
}

func (a *Actor) IsLocal() bool {
	return a.PrivateKeyPem != ""
}

// KeyId is the identifier remote servers use to look up this actor's public key.
func (a *Actor) KeyId() string {
	return a.URI + "#main-key"
}

func (a *Actor) Handle() string {
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}

// DeliveryInbox returns the shared inbox when the actor advertises one.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tHandle: %s \n\tURI: %s \n\tLocal: %t)", a.Id, a.Handle(), a.URI, a.IsLocal())
}
