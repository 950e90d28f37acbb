package activitypub

import (
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

// Composer turns domain actions of local actors into activity documents.
// It never touches storage.
type Composer struct {
	ids IdBuilder
}

func NewComposer(ids IdBuilder) *Composer {
	return &Composer{ids: ids}
}

func invalid(action, format string, args ...any) error {
	return &domain.InvalidActionError{Action: action, Reason: fmt.Sprintf(format, args...)}
}

func requireLocal(action string, actor *domain.Actor) error {
	if actor == nil {
		return invalid(action, "no actor")
	}
	if !actor.IsLocal() {
		return invalid(action, "%s is not a local actor", actor.URI)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Address derives to and cc from a visibility:
//
//	public    to: Public     cc: followers, mentions
//	unlisted  to: followers  cc: Public, mentions
//	private   to: followers  cc: mentions
//	direct    to: mentions
func Address(author *domain.Actor, visibility domain.Visibility, mentions []string) ([]string, []string, error) {
	switch visibility {
	case domain.VisibilityPublic:
		return []string{PublicCollection}, append([]string{author.FollowersURI}, mentions...), nil
	case domain.VisibilityUnlisted:
		return []string{author.FollowersURI}, append([]string{PublicCollection}, mentions...), nil
	case domain.VisibilityPrivate:
		return []string{author.FollowersURI}, append([]string{}, mentions...), nil
	case domain.VisibilityDirect:
		return append([]string{}, mentions...), nil, nil
	}
	return nil, nil, invalid("address", "unknown visibility %q", visibility)
}

// Note renders a status authored by author.
func (c *Composer) Note(author *domain.Actor, status *domain.Status) (*NoteObject, error) {
	if status == nil {
		return nil, invalid("note", "no status")
	}
	if status.ReblogOfId != nil {
		return nil, invalid("note", "%s is a boost", status.URI)
	}
	to, cc, err := Address(author, status.Visibility, status.Mentions)
	if err != nil {
		return nil, err
	}
	note := &NoteObject{
		Id:           status.URI,
		Type:         "Note",
		AttributedTo: author.URI,
		Content:      status.Content,
		Summary:      status.ContentWarning,
		Sensitive:    status.ContentWarning != "",
		InReplyTo:    status.InReplyToURI,
		Published:    formatTime(status.CreatedAt),
		To:           to,
		Cc:           cc,
	}
	if status.Version > 1 {
		note.Updated = formatTime(status.UpdatedAt)
	}
	for _, m := range status.Mentions {
		note.Tag = append(note.Tag, Tag{Type: "Mention", Href: m})
	}
	if status.Kind == domain.KindQuestion {
		note.Type = "Question"
		for _, o := range status.PollOptions {
			note.OneOf = append(note.OneOf, PollOption{Type: "Note", Name: o})
		}
	}
	return note, nil
}

// Create publishes a new status.
func (c *Composer) Create(author *domain.Actor, status *domain.Status) (*Document, error) {
	if err := requireLocal("create", author); err != nil {
		return nil, err
	}
	note, err := c.Note(author, status)
	if err != nil {
		return nil, err
	}
	return &Document{
		Context:   ContextActivityStreams,
		Id:        status.URI + "/activity",
		Type:      string(TypeCreate),
		Actor:     author.URI,
		Published: note.Published,
		To:        note.To,
		Cc:        note.Cc,
		Object:    note,
	}, nil
}

// Update announces an edited status. The id is derived from the version so
// the same edit always yields the same activity.
func (c *Composer) Update(author *domain.Actor, status *domain.Status) (*Document, error) {
	if err := requireLocal("update", author); err != nil {
		return nil, err
	}
	note, err := c.Note(author, status)
	if err != nil {
		return nil, err
	}
	note.Updated = formatTime(status.UpdatedAt)
	return &Document{
		Context:   ContextActivityStreams,
		Id:        fmt.Sprintf("%s#updates/%d", status.URI, status.Version),
		Type:      string(TypeUpdate),
		Actor:     author.URI,
		Published: note.Updated,
		To:        note.To,
		Cc:        note.Cc,
		Object:    note,
	}, nil
}

// Delete tombstones a status, addressed like the status itself.
func (c *Composer) Delete(author *domain.Actor, status *domain.Status) (*Document, error) {
	if err := requireLocal("delete", author); err != nil {
		return nil, err
	}
	if status == nil {
		return nil, invalid("delete", "no status")
	}
	to, cc, err := Address(author, status.Visibility, status.Mentions)
	if err != nil {
		return nil, err
	}
	return &Document{
		Context: ContextActivityStreams,
		Id:      status.URI + "#delete",
		Type:    string(TypeDelete),
		Actor:   author.URI,
		To:      to,
		Cc:      cc,
		Object:  &Tombstone{Id: status.URI, Type: "Tombstone"},
	}, nil
}

// DeleteActor announces that a local account is gone.
func (c *Composer) DeleteActor(actor *domain.Actor) (*Document, error) {
	if err := requireLocal("delete", actor); err != nil {
		return nil, err
	}
	return &Document{
		Context: ContextActivityStreams,
		Id:      actor.URI + "#delete",
		Type:    string(TypeDelete),
		Actor:   actor.URI,
		To:      []string{PublicCollection},
		Cc:      []string{actor.FollowersURI},
		Object:  actor.URI,
	}, nil
}

func (c *Composer) Follow(actor, target *domain.Actor, follow *domain.Follow) (*Document, error) {
	if err := requireLocal("follow", actor); err != nil {
		return nil, err
	}
	if target == nil || follow == nil {
		return nil, invalid("follow", "no target")
	}
	return &Document{
		Context: ContextActivityStreams,
		Id:      follow.URI,
		Type:    string(TypeFollow),
		Actor:   actor.URI,
		To:      []string{target.URI},
		Object:  target.URI,
	}, nil
}

// Accept answers follower's follow request of actor.
func (c *Composer) Accept(actor, follower *domain.Actor, follow *domain.Follow) (*Document, error) {
	return c.respond(TypeAccept, actor, follower, follow)
}

func (c *Composer) Reject(actor, follower *domain.Actor, follow *domain.Follow) (*Document, error) {
	return c.respond(TypeReject, actor, follower, follow)
}

func (c *Composer) respond(t ActivityType, actor, follower *domain.Actor, follow *domain.Follow) (*Document, error) {
	action := string(t)
	if err := requireLocal(action, actor); err != nil {
		return nil, err
	}
	if follower == nil || follow == nil {
		return nil, invalid(action, "no follow request")
	}
	return &Document{
		Context: ContextActivityStreams,
		Id:      c.ids.ActivityURI(uuid.New()),
		Type:    string(t),
		Actor:   actor.URI,
		To:      []string{follower.URI},
		Object: &Document{
			Id:     follow.URI,
			Type:   string(TypeFollow),
			Actor:  follower.URI,
			Object: actor.URI,
		},
	}, nil
}

// Like favourites status, which was written by author.
func (c *Composer) Like(actor *domain.Actor, like *domain.Like, status *domain.Status, author *domain.Actor) (*Document, error) {
	if err := requireLocal("like", actor); err != nil {
		return nil, err
	}
	if like == nil || status == nil || author == nil {
		return nil, invalid("like", "no status")
	}
	return &Document{
		Context: ContextActivityStreams,
		Id:      like.URI,
		Type:    string(TypeLike),
		Actor:   actor.URI,
		To:      []string{author.URI},
		Object:  status.URI,
	}, nil
}

// Announce boosts original, written by author. The boost carries its own
// visibility; direct boosts cannot be expressed.
func (c *Composer) Announce(actor *domain.Actor, boost, original *domain.Status, author *domain.Actor) (*Document, error) {
	if err := requireLocal("announce", actor); err != nil {
		return nil, err
	}
	if boost == nil || original == nil || author == nil {
		return nil, invalid("announce", "no status")
	}
	if boost.Visibility == domain.VisibilityDirect {
		return nil, invalid("announce", "direct statuses cannot be boosted")
	}
	to, cc, err := Address(actor, boost.Visibility, []string{author.URI})
	if err != nil {
		return nil, err
	}
	return &Document{
		Context:   ContextActivityStreams,
		Id:        boost.URI,
		Type:      string(TypeAnnounce),
		Actor:     actor.URI,
		Published: formatTime(boost.CreatedAt),
		To:        to,
		Cc:        cc,
		Object:    original.URI,
	}, nil
}

// Undo reverts inner, which must have been composed for actor.
func (c *Composer) Undo(actor *domain.Actor, inner *Document) (*Document, error) {
	if err := requireLocal("undo", actor); err != nil {
		return nil, err
	}
	if inner == nil || inner.Actor != actor.URI {
		return nil, invalid("undo", "nothing of %s to undo", actor.URI)
	}
	embedded := *inner
	embedded.Context = nil
	return &Document{
		Context: ContextActivityStreams,
		Id:      inner.Id + "#undo",
		Type:    string(TypeUndo),
		Actor:   actor.URI,
		To:      inner.To,
		Cc:      inner.Cc,
		Object:  &embedded,
	}, nil
}
