package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type FollowState string

const (
	FollowRequested FollowState = "requested"
	FollowAccepted  FollowState = "accepted"
	FollowRejected  FollowState = "rejected"
	FollowUndo      FollowState = "undo"
)

var followTransitions = map[FollowState][]FollowState{
	FollowRequested: {FollowAccepted, FollowRejected, FollowUndo},
	FollowAccepted:  {FollowUndo},
	FollowRejected:  {FollowUndo},
}

// CanTransition reports whether a follow edge may move from s to next.
// Undo is terminal.
func (s FollowState) CanTransition(next FollowState) bool {
	for _, allowed := range followTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Follow represents a directed follow edge. At most one edge per pair is
// outside the Undo state.
type Follow struct {
	Id              uuid.UUID
	URI             string
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	State           FollowState
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Like represents a favourite on a status
type Like struct {
	Id        uuid.UUID
	URI       string
	AccountId uuid.UUID
	StatusId  uuid.UUID
	CreatedAt time.Time
}

// Activity is the inbound activity log used for deduplication
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	CreatedAt    time.Time
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryRunning   DeliveryState = "running"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// DeliveryJob is one outbound activity bound for one inbox.
type DeliveryJob struct {
	Id            uuid.UUID
	IdentityKey   string
	ActivityURI   string
	ActivityType  string
	ObjectURI     string
	SenderId      uuid.UUID
	InboxURI      string
	Payload       []byte
	Attempts      int
	State         DeliveryState
	LastError     string
	NextAttemptAt time.Time
	LeasedBy      string
	LeasedUntil   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeliveryIdentity derives the key that makes (activity, inbox) deliveries idempotent.
func DeliveryIdentity(activityURI, inboxURI string) string {
	sum := sha256.Sum256([]byte(activityURI + "\n" + inboxURI))
	return hex.EncodeToString(sum[:])
}
