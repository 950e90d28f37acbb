package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/auth"
	"github.com/deemkeen/fedcore/cache"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/delivery"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/timeline"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-gonic/gin"
	"github.com/jarcoal/httpmock"
)

const localDomain = "local.example"

func init() {
	util.KeyBits = 2048
}

type testEnv struct {
	ctx      context.Context
	conf     *util.AppConfig
	db       *db.DB
	ids      activitypub.IdBuilder
	outbox   *activitypub.Outbox
	queue    *delivery.Queue
	provider *auth.Provider
	router   *gin.Engine
	keys     map[string]*util.RsaKeyPair
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	conf, err := util.ParseConf([]byte("conf:\n  sslDomain: " + localDomain + "\n  rateLimit: 1000\n  rateBurst: 1000\n  maxInboxBytes: 4096\n"))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
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
	t.Cleanup(func() { actorCache.Close() })

	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	m := metrics.New()
	ids := activitypub.NewIdBuilder(conf)
	dir := activitypub.NewDirectory(database, actorCache, client, conf, logger)
	tl := timeline.New(database, logger)
	locks := &util.KeyedMutex{}
	queue := delivery.NewQueue(database, conf, m, logger)
	outbox := activitypub.NewOutbox(database, ids, activitypub.NewResolver(database, dir, logger), queue, tl, locks, logger)
	proc := activitypub.NewProcessor(database, dir, outbox, tl, locks, m, conf, logger)
	provider := auth.NewProvider(database, "test-secret", conf.BaseURL())

	h := NewHandler(conf, database, dir, outbox, proc, tl, provider, m, logger)
	return &testEnv{
		ctx:      ctx,
		conf:     conf,
		db:       database,
		ids:      ids,
		outbox:   outbox,
		queue:    queue,
		provider: provider,
		router:   h.Router(),
		keys:     map[string]*util.RsaKeyPair{},
	}
}

func newKeys(t *testing.T) *util.RsaKeyPair {
	t.Helper()
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	return keys
}

func (e *testEnv) localActor(t *testing.T, username string) *domain.Actor {
	t.Helper()
	actor := e.ids.NewLocalActor(username, newKeys(t))
	if err := e.db.CreateActor(e.ctx, actor); err != nil {
		t.Fatalf("Failed to create actor: %v", err)
	}
	stored, err := e.db.ReadActorById(e.ctx, actor.Id)
	if err != nil {
		t.Fatalf("Failed to read actor: %v", err)
	}
	return stored
}

func (e *testEnv) remoteActor(t *testing.T, username, host string) *domain.Actor {
	t.Helper()
	uri := "https://" + host + "/users/" + username
	keys := newKeys(t)
	e.keys[uri] = keys
	stored, err := e.db.UpsertRemoteActor(e.ctx, &domain.Actor{
		Username:       username,
		Domain:         host,
		URI:            uri,
		InboxURI:       uri + "/inbox",
		OutboxURI:      uri + "/outbox",
		FollowersURI:   uri + "/followers",
		SharedInboxURI: "https://" + host + "/inbox",
		PublicKeyPem:   keys.Public,
	})
	if err != nil {
		t.Fatalf("Failed to store remote actor: %v", err)
	}
	return stored
}

func (e *testEnv) token(t *testing.T, actor *domain.Actor, scopes ...auth.Scope) string {
	t.Helper()
	token, err := e.provider.Issue(actor, scopes, auth.DefaultTTL)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// do runs one request through the router. A non-nil body is sent as JSON.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(mustJSON(t, body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, "https://"+localDomain+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// signedPost posts body to an inbox path, signed as actor.
func (e *testEnv) signedPost(t *testing.T, actor *domain.Actor, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	keys, ok := e.keys[actor.URI]
	if !ok {
		t.Fatalf("No keys for %s", actor.URI)
	}
	priv, err := activitypub.ParsePrivateKey(keys.Private)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	req := httptest.NewRequest("POST", "https://"+localDomain+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", activitypub.ContentType)
	if err := activitypub.SignRequest(req, priv, actor.KeyId(), body); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return b
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
}
