package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deemkeen/fedcore/domain"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	ContentType            = "application/activity+json"
)

// ActivityType names the activity variants this server understands.
type ActivityType string

const (
	TypeCreate   ActivityType = "Create"
	TypeUpdate   ActivityType = "Update"
	TypeDelete   ActivityType = "Delete"
	TypeFollow   ActivityType = "Follow"
	TypeAccept   ActivityType = "Accept"
	TypeReject   ActivityType = "Reject"
	TypeLike     ActivityType = "Like"
	TypeAnnounce ActivityType = "Announce"
	TypeUndo     ActivityType = "Undo"
)

// Document is an outbound activity. Object is a URI string, a *NoteObject,
// a *Tombstone or a nested *Document.
type Document struct {
	Context   any      `json:"@context,omitempty"`
	Id        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Published string   `json:"published,omitempty"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
	Object    any      `json:"object"`
}

// ObjectURI is the id of the object the activity acts on.
func (d *Document) ObjectURI() string {
	switch o := d.Object.(type) {
	case string:
		return o
	case *NoteObject:
		return o.Id
	case *Tombstone:
		return o.Id
	case *Document:
		return o.ObjectURI()
	}
	return ""
}

// Recipients returns to and cc in order.
func (d *Document) Recipients() []string {
	return append(append([]string{}, d.To...), d.Cc...)
}

type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

type PollOption struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// NoteObject covers Note and Question objects.
type NoteObject struct {
	Context      any          `json:"@context,omitempty"`
	Id           string       `json:"id"`
	Type         string       `json:"type"`
	AttributedTo string       `json:"attributedTo"`
	Content      string       `json:"content"`
	Summary      string       `json:"summary,omitempty"`
	Sensitive    bool         `json:"sensitive,omitempty"`
	InReplyTo    string       `json:"inReplyTo,omitempty"`
	Published    string       `json:"published,omitempty"`
	Updated      string       `json:"updated,omitempty"`
	To           []string     `json:"-"`
	RawTo        any          `json:"to,omitempty"`
	Cc           []string     `json:"-"`
	RawCc        any          `json:"cc,omitempty"`
	Tag          []Tag        `json:"tag,omitempty"`
	OneOf        []PollOption `json:"oneOf,omitempty"`
	AnyOf        []PollOption `json:"anyOf,omitempty"`
}

func (n *NoteObject) UnmarshalJSON(data []byte) error {
	var err error
	type plain NoteObject
	p := (*plain)(n)
	if err = json.Unmarshal(data, p); err != nil {
		return err
	}
	if p.To, err = recipients(p.RawTo); err != nil {
		return err
	}
	if p.Cc, err = recipients(p.RawCc); err != nil {
		return err
	}
	return nil
}

func (n *NoteObject) MarshalJSON() ([]byte, error) {
	type plain NoteObject
	p := *(*plain)(n)
	if len(p.To) > 0 {
		p.RawTo = p.To
	}
	if len(p.Cc) > 0 {
		p.RawCc = p.Cc
	}
	return json.Marshal(&p)
}

// Mentions returns the hrefs of Mention tags.
func (n *NoteObject) Mentions() []string {
	var out []string
	for _, t := range n.Tag {
		if t.Type == "Mention" && t.Href != "" {
			out = append(out, t.Href)
		}
	}
	return out
}

// PollChoices returns the names of the poll options, if any.
func (n *NoteObject) PollChoices() []string {
	options := n.OneOf
	if len(options) == 0 {
		options = n.AnyOf
	}
	var out []string
	for _, o := range options {
		out = append(out, o.Name)
	}
	return out
}

type Tombstone struct {
	Id   string `json:"id"`
	Type string `json:"type"`
}

type PublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDocument is the JSON form of an actor.
type ActorDocument struct {
	Context                   any       `json:"@context,omitempty"`
	Id                        string    `json:"id"`
	Type                      string    `json:"type"`
	PreferredUsername         string    `json:"preferredUsername"`
	Name                      string    `json:"name"`
	Summary                   string    `json:"summary"`
	Inbox                     string    `json:"inbox"`
	Outbox                    string    `json:"outbox"`
	Followers                 string    `json:"followers"`
	Following                 string    `json:"following"`
	ManuallyApprovesFollowers bool      `json:"manuallyApprovesFollowers"`
	Published                 string    `json:"published,omitempty"`
	Endpoints                 Endpoints `json:"endpoints"`
	PublicKey                 PublicKey `json:"publicKey"`
}

// OrderedCollection is the summary form of followers, following and outbox.
type OrderedCollection struct {
	Context    any    `json:"@context"`
	Id         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
}

// ObjectRef is an object given either as a bare URI or embedded.
type ObjectRef struct {
	Id       string
	Type     string
	Embedded json.RawMessage
}

func (r *ObjectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.Id)
	}
	var head struct {
		Id   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	r.Id = head.Id
	r.Type = head.Type
	r.Embedded = append(json.RawMessage{}, data...)
	return nil
}

// Base carries the fields common to every inbound activity.
type Base struct {
	Id     string    `json:"id"`
	Type   string    `json:"type"`
	Actor  string    `json:"actor"`
	To     []string  `json:"-"`
	RawTo  any       `json:"to"`
	Cc     []string  `json:"-"`
	RawCc  any       `json:"cc"`
	Object ObjectRef `json:"object"`
}

func (b *Base) base() *Base { return b }

// Activity is the tagged union of parsed inbound activities.
type Activity interface {
	base() *Base
}

type CreateActivity struct {
	Base
	Note *NoteObject
}

// UpdateActivity carries either a changed status or a changed actor.
type UpdateActivity struct {
	Base
	Note *NoteObject
}

type DeleteActivity struct{ Base }

type FollowActivity struct{ Base }

type AcceptActivity struct{ Base }

type RejectActivity struct{ Base }

type LikeActivity struct{ Base }

type AnnounceActivity struct{ Base }

// UndoActivity wraps the activity it reverts. Inner is nil when the object
// was given by reference only.
type UndoActivity struct {
	Base
	Inner Activity
}

// UnknownActivity is any type outside the supported set.
type UnknownActivity struct{ Base }

// BaseOf exposes the common fields of a parsed activity.
func BaseOf(a Activity) *Base {
	return a.base()
}

var noteTypes = map[string]bool{"Note": true, "Question": true, "Article": true}

// Parse decodes an inbound activity. Malformed documents and documents
// missing required fields yield a ValidationError; unsupported types parse
// into UnknownActivity.
func Parse(body []byte) (Activity, error) {
	var b Base
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, domain.NewValidationError("malformed activity: %v", err)
	}
	var err error
	if b.To, err = recipients(b.RawTo); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}
	if b.Cc, err = recipients(b.RawCc); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}
	if b.Id == "" || b.Type == "" || b.Actor == "" {
		return nil, domain.NewValidationError("activity is missing id, type or actor")
	}

	switch ActivityType(b.Type) {
	case TypeCreate, TypeUpdate:
		if b.Object.Embedded == nil {
			if ActivityType(b.Type) == TypeUpdate && b.Object.Id == b.Actor {
				return &UpdateActivity{Base: b}, nil
			}
			return nil, domain.NewValidationError("%s %s has no embedded object", b.Type, b.Id)
		}
		var note *NoteObject
		if noteTypes[b.Object.Type] {
			note = &NoteObject{}
			if err := json.Unmarshal(b.Object.Embedded, note); err != nil {
				return nil, domain.NewValidationError("malformed object: %v", err)
			}
			if note.Id == "" || note.AttributedTo == "" {
				return nil, domain.NewValidationError("object of %s is missing id or attributedTo", b.Id)
			}
		}
		if ActivityType(b.Type) == TypeCreate {
			if note == nil {
				return nil, domain.NewValidationError("cannot create object of type %q", b.Object.Type)
			}
			return &CreateActivity{Base: b, Note: note}, nil
		}
		return &UpdateActivity{Base: b, Note: note}, nil
	case TypeDelete:
		return &DeleteActivity{Base: b}, requireObject(&b)
	case TypeFollow:
		return &FollowActivity{Base: b}, requireObject(&b)
	case TypeAccept:
		return &AcceptActivity{Base: b}, requireObject(&b)
	case TypeReject:
		return &RejectActivity{Base: b}, requireObject(&b)
	case TypeLike:
		return &LikeActivity{Base: b}, requireObject(&b)
	case TypeAnnounce:
		return &AnnounceActivity{Base: b}, requireObject(&b)
	case TypeUndo:
		if err := requireObject(&b); err != nil {
			return nil, err
		}
		undo := &UndoActivity{Base: b}
		if b.Object.Embedded != nil {
			inner, err := Parse(b.Object.Embedded)
			if err != nil {
				return nil, err
			}
			if BaseOf(inner).Actor != b.Actor {
				return nil, domain.NewValidationError("undo %s reverts another actor's activity", b.Id)
			}
			undo.Inner = inner
		}
		return undo, nil
	}
	return &UnknownActivity{Base: b}, nil
}

func requireObject(b *Base) error {
	if b.Object.Id == "" {
		return domain.NewValidationError("%s %s has no object", b.Type, b.Id)
	}
	return nil
}

// recipients accepts a single string or an array of strings. The compact
// forms of the public collection are expanded.
func recipients(raw any) ([]string, error) {
	var res []string
	if raw == nil {
		return res, nil
	}
	if slice, ok := raw.([]any); ok {
		for _, s := range slice {
			str, ok := s.(string)
			if !ok {
				return res, fmt.Errorf("list of recipients must only contain strings")
			}
			res = append(res, expandPublic(str))
		}
	} else if str, ok := raw.(string); ok {
		res = []string{expandPublic(str)}
	} else {
		return res, fmt.Errorf("to and cc must be single string or array of strings")
	}
	return res, nil
}

func expandPublic(recipient string) string {
	switch recipient {
	case "as:Public", "Public":
		return PublicCollection
	}
	return recipient
}

// VisibilityOf derives a visibility from addressing.
func VisibilityOf(to, cc []string, followersURI string) domain.Visibility {
	if contains(to, PublicCollection) {
		return domain.VisibilityPublic
	}
	if contains(cc, PublicCollection) {
		return domain.VisibilityUnlisted
	}
	for _, r := range append(append([]string{}, to...), cc...) {
		if r == followersURI || strings.HasSuffix(r, "/followers") {
			return domain.VisibilityPrivate
		}
	}
	return domain.VisibilityDirect
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
