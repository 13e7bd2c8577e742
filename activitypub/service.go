package activitypub

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quollsocial/quoll/db"
	"github.com/quollsocial/quoll/domain"
	"github.com/quollsocial/quoll/util"
)

// HTTPClient issues the signed requests the engine needs. The GET half
// optionally authenticates as a local account; delivery always signs.
type HTTPClient interface {
	Get(url string, as *domain.Account) ([]byte, error)
	Post(url string, as *domain.Account, body []byte) error
}

// Service is the federation engine. Every operation takes its state
// from here; there is no ambient per-request context.
type Service struct {
	DB     *db.DB
	Conf   *util.AppConfig
	Client HTTPClient
}

// dbIsUniqueViolation reports whether err is the store rejecting a
// duplicate identifier; callers re-read instead of failing (see the
// concurrent first-resolution race).
func dbIsUniqueViolation(err error) bool {
	return db.IsUniqueViolation(err)
}

func NewService(database *db.DB, conf *util.AppConfig) *Service {
	return &Service{
		DB:     database,
		Conf:   conf,
		Client: &signedClient{http: &http.Client{Timeout: 30 * time.Second}},
	}
}

// signedClient is the production HTTPClient: activity+json requests
// with HTTP Signatures when a signing account is supplied.
type signedClient struct {
	http *http.Client
}

func (c *signedClient) Get(url string, as *domain.Account) ([]byte, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if as != nil && as.PrivateKey != "" {
		privateKey, err := ParsePrivateKey(as.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		if err := SignRequest(req, privateKey, as.KeyId()); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func (c *signedClient) Post(url string, as *domain.Account, body []byte) error {
	// Digest over the payload, carried alongside the signature
	hash := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)

	if as != nil && as.PrivateKey != "" {
		privateKey, err := ParsePrivateKey(as.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		if err := SignRequest(req, privateKey, as.KeyId()); err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	return nil
}
