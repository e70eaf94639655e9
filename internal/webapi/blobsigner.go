package webapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HMACBlobSigner issues time-limited download URLs for a container/filename
// pair against baseURL, signed with a shared secret. It stands in for the
// SAS-token signer a real object-store client would provide; no such client
// is part of this module's dependency set (see DESIGN.md), so the signer
// is stdlib crypto rather than a cloud SDK.
type HMACBlobSigner struct {
	baseURL string
	secret  []byte
	ttl     time.Duration
}

// NewHMACBlobSigner builds a signer rooted at baseURL (e.g.
// "https://storage.example.internal/download") with the given link
// lifetime. ttl defaults to 1 hour if zero.
func NewHMACBlobSigner(baseURL string, secret []byte, ttl time.Duration) *HMACBlobSigner {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &HMACBlobSigner{baseURL: baseURL, secret: secret, ttl: ttl}
}

// SignedURL implements BlobSigner.
func (s *HMACBlobSigner) SignedURL(container, filename string) (string, error) {
	expires := time.Now().Add(s.ttl).Unix()
	sig := s.sign(container, filename, expires)

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("container", container)
	q.Set("filename", filename)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks a signature previously produced by SignedURL, rejecting
// expired or tampered links. Used by whatever serves the blob at baseURL.
func (s *HMACBlobSigner) Verify(container, filename string, expires int64, sig string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	want := s.sign(container, filename, expires)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (s *HMACBlobSigner) sign(container, filename string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", container, filename, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
