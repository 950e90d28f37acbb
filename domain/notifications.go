package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotifyFollowRequest NotificationType = "follow_request"
	NotifyFollow        NotificationType = "follow"
	NotifyFavourite     NotificationType = "favourite"
	NotifyMention       NotificationType = "mention"
	NotifyReply         NotificationType = "reply"
	NotifyReblog        NotificationType = "reblog"
)

// Notification is addressed to one local actor. Rows sharing a GroupKey
// for the same recipient collapse into one.
type Notification struct {
	Id            int64
	AccountId     uuid.UUID
	FromAccountId uuid.UUID
	Type          NotificationType
	StatusId      *uuid.UUID
	FollowId      *uuid.UUID
	GroupKey      string
	Read          bool
	CreatedAt     time.Time
}

// StatusGroupKey groups notifications caused by one actor acting on one status.
func StatusGroupKey(t NotificationType, fromId, statusId uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", t, fromId, statusId)
}

func FollowGroupKey(t NotificationType, followId uuid.UUID) string {
	return fmt.Sprintf("%s:%s", t, followId)
}

type TimelineKind string

const (
	TimelineHome   TimelineKind = "home"
	TimelineLocal  TimelineKind = "local"
	TimelinePublic TimelineKind = "public"
)

// TimelineEntry is inserted or deleted, never updated. Local and public
// timelines have no owner and use uuid.Nil.
type TimelineEntry struct {
	Id        int64
	Kind      TimelineKind
	OwnerId   uuid.UUID
	StatusId  uuid.UUID
	CreatedAt time.Time
}
