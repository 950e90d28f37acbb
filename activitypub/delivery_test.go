package activitypub

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
)

func TestSenderDeliver(t *testing.T) {
	priv, pub, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	pubPEM, err := publicKeyToPEM(pub)
	if err != nil {
		t.Fatalf("Failed to encode public key: %v", err)
	}
	keyId := "https://" + localDomain + "/users/bob#main-key"
	payload := []byte(`{"type":"Create"}`)

	tests := []struct {
		name      string
		status    int
		retryable bool
		permanent bool
	}{
		{"accepted", http.StatusAccepted, false, false},
		{"ok", http.StatusOK, false, false},
		{"not found", http.StatusNotFound, false, true},
		{"gone", http.StatusGone, false, true},
		{"unauthorized", http.StatusUnauthorized, false, true},
		{"rate limited", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusInternalServerError, true, false},
		{"unavailable", http.StatusServiceUnavailable, true, false},
		{"redirect", http.StatusFound, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				if err := VerifyRequest(r, body, pubPEM, time.Minute, time.Now()); err != nil {
					t.Errorf("Server could not verify delivery: %v", err)
				}
				if r.Header.Get("Content-Type") != ContentType {
					t.Errorf("Unexpected content type %q", r.Header.Get("Content-Type"))
				}
				if r.Header.Get("User-Agent") == "" {
					t.Error("Missing user agent")
				}
				w.WriteHeader(tt.status)
				w.Write([]byte("nope"))
			}))
			defer server.Close()

			client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
			sender := NewSender(client, testConf())
			err := sender.Deliver(t.Context(), priv, keyId, server.URL+"/inbox", payload)

			var retryable *domain.RetryableDeliveryError
			var permanent *domain.PermanentDeliveryFailure
			if got := errors.As(err, &retryable); got != tt.retryable {
				t.Errorf("retryable = %v, want %v (err %v)", got, tt.retryable, err)
			}
			if got := errors.As(err, &permanent); got != tt.permanent {
				t.Errorf("permanent = %v, want %v (err %v)", got, tt.permanent, err)
			}
			if permanent != nil && permanent.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, permanent.StatusCode)
			}
		})
	}
}

func TestSenderNetworkErrorIsRetryable(t *testing.T) {
	priv, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL + "/inbox"
	server.Close()

	sender := NewSender(&http.Client{}, testConf())
	err = sender.Deliver(t.Context(), priv, "key", url, []byte(`{}`))
	var retryable *domain.RetryableDeliveryError
	if !errors.As(err, &retryable) {
		t.Fatalf("Expected RetryableDeliveryError, got %v", err)
	}
}

func TestSenderTimeoutIsRetryable(t *testing.T) {
	priv, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	conf := testConf()
	conf.Conf.RequestTimeout = 50 * time.Millisecond
	sender := NewSender(&http.Client{}, conf)
	err = sender.Deliver(t.Context(), priv, "key", server.URL+"/inbox", []byte(`{}`))
	var retryable *domain.RetryableDeliveryError
	if !errors.As(err, &retryable) {
		t.Fatalf("Expected RetryableDeliveryError, got %v", err)
	}
}

func TestSenderInvalidInboxIsPermanent(t *testing.T) {
	priv, _, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	sender := NewSender(&http.Client{}, testConf())
	err = sender.Deliver(t.Context(), priv, "key", "://bad", []byte(`{}`))
	var permanent *domain.PermanentDeliveryFailure
	if !errors.As(err, &permanent) {
		t.Fatalf("Expected PermanentDeliveryFailure, got %v", err)
	}
}
