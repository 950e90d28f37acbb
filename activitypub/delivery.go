package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/pkg/errors"
)

// drainLimit bounds how much of a response body is read back.
const drainLimit = 4 << 10

// Sender performs signed POSTs to remote inboxes.
type Sender struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

func NewSender(client *http.Client, conf *util.AppConfig) *Sender {
	return &Sender{
		client:    client,
		timeout:   conf.Conf.RequestTimeout,
		userAgent: util.UserAgent(conf.Conf.SslDomain),
	}
}

// Deliver posts payload to inbox, signed with key under keyId. It returns
// nil on any 2xx, a *domain.PermanentDeliveryFailure on other 4xx
// responses except 429, and a *domain.RetryableDeliveryError otherwise.
func (s *Sender) Deliver(ctx context.Context, key *rsa.PrivateKey, keyId, inbox string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		return &domain.PermanentDeliveryFailure{Reason: "invalid inbox url: " + err.Error()}
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := SignRequest(req, key, keyId, payload); err != nil {
		return &domain.PermanentDeliveryFailure{Reason: errors.Wrap(err, "failed to sign request").Error()}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &domain.RetryableDeliveryError{Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, drainLimit))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &domain.RetryableDeliveryError{StatusCode: resp.StatusCode, Err: errors.New(string(snippet))}
	case resp.StatusCode >= 400:
		return &domain.PermanentDeliveryFailure{StatusCode: resp.StatusCode, Reason: string(snippet)}
	}
	// 1xx and 3xx are not acceptance
	return &domain.RetryableDeliveryError{StatusCode: resp.StatusCode, Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
}
