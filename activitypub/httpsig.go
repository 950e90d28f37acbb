package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/go-fed/httpsig"
	"github.com/pkg/errors"
)

var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignRequest signs an outgoing request with rsa-sha256 over
// (request-target), host, date and digest. The Digest header is computed
// from body.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return errors.Wrap(err, "creating signer")
	}
	return errors.Wrap(signer.SignRequest(privateKey, keyId, req, body), "signing request")
}

// SignatureKeyId returns the keyId named by the request's Signature header.
func SignatureKeyId(req *http.Request) (string, error) {
	if req.Header.Get("Signature") == "" {
		return "", &domain.AuthorizationError{Reason: "missing signature"}
	}
	verifier, err := httpsig.NewVerifier(withHostHeader(req))
	if err != nil {
		return "", &domain.AuthorizationError{Reason: "malformed signature", Err: err}
	}
	return verifier.KeyId(), nil
}

// KeyOwner strips the fragment from a keyId:
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func KeyOwner(keyId string) string {
	return strings.SplitN(keyId, "#", 2)[0]
}

// VerifyRequest checks the signature of an inbound request against the
// sender's public key. The Digest header must match body and the Date
// header must be within maxSkew of now. Every failure is an
// AuthorizationError.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string, maxSkew time.Duration, now time.Time) error {
	if err := checkDate(req, maxSkew, now); err != nil {
		return err
	}
	if err := checkDigest(req, body); err != nil {
		return err
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return &domain.AuthorizationError{Reason: "unusable public key", Err: err}
	}
	verifier, err := httpsig.NewVerifier(withHostHeader(req))
	if err != nil {
		return &domain.AuthorizationError{Reason: "malformed signature", Err: err}
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return &domain.AuthorizationError{Reason: "signature verification failed", Err: err}
	}
	return nil
}

// withHostHeader copies req.Host into the header map; the server moves it out.
func withHostHeader(req *http.Request) *http.Request {
	if req.Header.Get("Host") == "" && req.Host != "" {
		req.Header.Set("Host", req.Host)
	}
	return req
}

func checkDate(req *http.Request, maxSkew time.Duration, now time.Time) error {
	raw := req.Header.Get("Date")
	if raw == "" {
		return &domain.AuthorizationError{Reason: "missing date header"}
	}
	date, err := http.ParseTime(raw)
	if err != nil {
		return &domain.AuthorizationError{Reason: "malformed date header", Err: err}
	}
	skew := now.Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return &domain.AuthorizationError{Reason: "date header outside the accepted window"}
	}
	return nil
}

func checkDigest(req *http.Request, body []byte) error {
	raw := req.Header.Get("Digest")
	if raw == "" {
		return &domain.AuthorizationError{Reason: "missing digest header"}
	}
	sum := sha256.Sum256(body)
	want := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part[:min(len(part), 8)], "SHA-256=") &&
			subtle.ConstantTimeCompare([]byte(part[8:]), []byte(want[8:])) == 1 {
			return nil
		}
	}
	return &domain.AuthorizationError{Reason: "digest does not match body"}
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 PEM blocks.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey accepts PKIX and PKCS#1 PEM blocks.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPubKey, nil
}
