package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/cache"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/timeline"
	"github.com/deemkeen/fedcore/util"
	"github.com/jarcoal/httpmock"
)

const localDomain = "local.example"

func testConf() *util.AppConfig {
	return &util.AppConfig{Conf: util.Conf{
		SslDomain:      localDomain,
		Scheme:         "https",
		RequestTimeout: 2 * time.Second,
		ActorCacheSize: 100,
		ActorCacheTTL:  time.Hour,
		SignatureSkew:  time.Hour,
	}}
}

// dbQueue enqueues straight into the store.
type dbQueue struct{ *db.DB }

func (q dbQueue) Enqueue(ctx context.Context, jobs []*domain.DeliveryJob) (int, error) {
	return q.EnqueueDeliveries(ctx, jobs)
}

type testEnv struct {
	ctx       context.Context
	conf      *util.AppConfig
	db        *db.DB
	ids       IdBuilder
	client    *http.Client
	directory *Directory
	timeline  *timeline.Materializer
	outbox    *Outbox
	processor *Processor
	locks     *util.KeyedMutex
	keys      map[string]*util.RsaKeyPair
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	conf := testConf()
	logger := util.DiscardLogger()

	database, err := db.Open(ctx, ":memory:", logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	actorCache, err := cache.NewActorCache(ctx, conf, logger)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	ids := NewIdBuilder(conf)
	dir := NewDirectory(database, actorCache, client, conf, logger)
	tl := timeline.New(database, logger)
	locks := &util.KeyedMutex{}
	outbox := NewOutbox(database, ids, NewResolver(database, dir, logger), dbQueue{database}, tl, locks, logger)
	proc := NewProcessor(database, dir, outbox, tl, locks, nil, conf, logger)

	return &testEnv{
		ctx:       ctx,
		conf:      conf,
		db:        database,
		ids:       ids,
		client:    client,
		directory: dir,
		timeline:  tl,
		outbox:    outbox,
		processor: proc,
		locks:     locks,
		keys:      map[string]*util.RsaKeyPair{},
	}
}

func testKeys(t *testing.T) *util.RsaKeyPair {
	t.Helper()
	priv, pub, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	pubPEM, err := publicKeyToPEM(pub)
	if err != nil {
		t.Fatalf("Failed to encode public key: %v", err)
	}
	return &util.RsaKeyPair{Private: privateKeyToPEM(priv), Public: pubPEM}
}

func (e *testEnv) localActor(t *testing.T, username string) *domain.Actor {
	t.Helper()
	actor := e.ids.NewLocalActor(username, testKeys(t))
	if err := e.db.CreateActor(e.ctx, actor); err != nil {
		t.Fatalf("Failed to create local actor: %v", err)
	}
	stored, err := e.db.ReadActorById(e.ctx, actor.Id)
	if err != nil {
		t.Fatalf("Failed to read local actor: %v", err)
	}
	return stored
}

// remoteActor stores a freshly fetched mirror, so lookups never hit the network.
func (e *testEnv) remoteActor(t *testing.T, username, host string, sharedInbox bool) *domain.Actor {
	t.Helper()
	uri := "https://" + host + "/users/" + username
	keys := testKeys(t)
	e.keys[uri] = keys
	actor := &domain.Actor{
		Username:     username,
		Domain:       host,
		URI:          uri,
		InboxURI:     uri + "/inbox",
		OutboxURI:    uri + "/outbox",
		FollowersURI: uri + "/followers",
		PublicKeyPem: keys.Public,
	}
	if sharedInbox {
		actor.SharedInboxURI = "https://" + host + "/inbox"
	}
	stored, err := e.db.UpsertRemoteActor(e.ctx, actor)
	if err != nil {
		t.Fatalf("Failed to store remote actor: %v", err)
	}
	return stored
}

// acceptedFollow stores an accepted edge from follower to target.
func (e *testEnv) acceptedFollow(t *testing.T, follower, target *domain.Actor) *domain.Follow {
	t.Helper()
	f := &domain.Follow{
		URI:             follower.URI + "#follows/" + target.Username,
		AccountId:       follower.Id,
		TargetAccountId: target.Id,
		State:           domain.FollowAccepted,
	}
	if err := e.db.CreateFollow(e.ctx, f); err != nil {
		t.Fatalf("Failed to create follow: %v", err)
	}
	return f
}

// queued drains the delivery queue and returns what was in it.
func (e *testEnv) queued(t *testing.T) []*domain.DeliveryJob {
	t.Helper()
	jobs, err := e.db.ClaimDeliveries(e.ctx, "test", time.Now().Add(time.Minute), time.Minute, 1000)
	if err != nil {
		t.Fatalf("Failed to read queue: %v", err)
	}
	for _, j := range jobs {
		if err := e.db.CompleteDelivery(e.ctx, j.Id, "test"); err != nil {
			t.Fatalf("Failed to drain job: %v", err)
		}
	}
	return jobs
}

func (e *testEnv) inboxes(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, j := range e.queued(t) {
		out = append(out, j.InboxURI)
	}
	return out
}

// post signs body as actor and hands it to the processor.
func (e *testEnv) post(t *testing.T, actor *domain.Actor, body []byte) error {
	t.Helper()
	keys, ok := e.keys[actor.URI]
	if !ok {
		t.Fatalf("No key pair for %s", actor.URI)
	}
	priv, err := ParsePrivateKey(keys.Private)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	req := signedRequest(t, priv, "https://"+localDomain+"/inbox", actor.KeyId(), body)
	return e.processor.Receive(e.ctx, req, body)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return b
}
