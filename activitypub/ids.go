package activitypub

import (
	"fmt"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
)

// IdBuilder derives the IRIs of local objects.
type IdBuilder struct {
	Base   string
	Domain string
}

func NewIdBuilder(conf *util.AppConfig) IdBuilder {
	return IdBuilder{Base: conf.BaseURL(), Domain: conf.Conf.SslDomain}
}

func (idb IdBuilder) SharedInbox() string {
	return idb.Base + "/inbox"
}

func (idb IdBuilder) ActorURI(username string) string {
	return fmt.Sprintf("%s/users/%s", idb.Base, username)
}

func (idb IdBuilder) StatusURI(id uuid.UUID) string {
	return fmt.Sprintf("%s/notes/%s", idb.Base, id)
}

func (idb IdBuilder) ActivityURI(id uuid.UUID) string {
	return fmt.Sprintf("%s/activities/%s", idb.Base, id)
}

// NewLocalActor fills in the IRIs and keys of a local account.
func (idb IdBuilder) NewLocalActor(username string, keys *util.RsaKeyPair) *domain.Actor {
	uri := idb.ActorURI(username)
	return &domain.Actor{
		Id:                uuid.New(),
		Username:          username,
		Domain:            idb.Domain,
		URI:               uri,
		DisplayName:       username,
		InboxURI:          uri + "/inbox",
		SharedInboxURI:    idb.SharedInbox(),
		OutboxURI:         uri + "/outbox",
		FollowersURI:      uri + "/followers",
		FollowingURI:      uri + "/following",
		PublicKeyPem:      keys.Public,
		PrivateKeyPem:     keys.Private,
		DefaultVisibility: domain.VisibilityPublic,
		DeletionStatus:    domain.DeletionNone,
	}
}
