// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<tag>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The tag is the requesting peer's ID when known, otherwise a random uuid.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	NewTag         func() string
}

type Generator struct {
	secret []byte
	ttl    int64
	prefix string
	now    func() time.Time
	newTag func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTag == nil {
		cfg.NewTag = func() string { return uuid.NewString() }
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTLSeconds,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newTag: cfg.NewTag,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// ForPeer issues credentials tagged with peerID. Colons would break the
// username format, so they are replaced; an empty peerID gets a random tag.
func (g *Generator) ForPeer(peerID string) (Credentials, error) {
	tag := strings.ReplaceAll(strings.TrimSpace(peerID), ":", "_")
	if tag == "" {
		tag = g.newTag()
	}
	if tag == "" || strings.Contains(tag, ":") {
		return Credentials{}, fmt.Errorf("invalid credential tag %q", tag)
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, tag)
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		ExpiryUnix: expiry,
	}, nil
}

// Sign is the coturn credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
