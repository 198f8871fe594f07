// Package auth decides whether a client may open a session. The server
// always consults an Authenticator; the default accepts everyone, and richer
// policies plug in behind the same interface.
package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cyberinferno/sshhub/cacher"
)

// Authentication methods, used in cache keys and metric labels.
const (
	MethodPublicKey   = "publickey"
	MethodCertificate = "certificate"
)

// Authenticator decides whether a credential is accepted for a user. An
// error is treated as a rejection by the caller.
type Authenticator interface {
	// AuthPublicKey decides for a plain public key.
	AuthPublicKey(ctx context.Context, user string, key ssh.PublicKey) (bool, error)

	// AuthCertificate decides for an OpenSSH certificate.
	AuthCertificate(ctx context.Context, user string, cert *ssh.Certificate) (bool, error)
}

// AcceptAll accepts every credential.
type AcceptAll struct{}

// AuthPublicKey implements Authenticator.
func (AcceptAll) AuthPublicKey(context.Context, string, ssh.PublicKey) (bool, error) {
	return true, nil
}

// AuthCertificate implements Authenticator.
func (AcceptAll) AuthCertificate(context.Context, string, *ssh.Certificate) (bool, error) {
	return true, nil
}

// Cached memoizes the decisions of another Authenticator for a fixed TTL.
// Keys are namespaced per user so Forget can drop every decision for one user.
type Cached struct {
	next  Authenticator
	cache cacher.Cacher[bool]
	ttl   time.Duration
}

// NewCached wraps next with a decision cache.
//
// Parameters:
//   - next: The authenticator whose decisions are cached
//   - cache: Storage for decisions (memory or redis)
//   - ttl: How long a decision stays valid
//
// Returns:
//   - A caching Authenticator
func NewCached(next Authenticator, cache cacher.Cacher[bool], ttl time.Duration) *Cached {
	return &Cached{next: next, cache: cache, ttl: ttl}
}

// AuthPublicKey implements Authenticator.
func (c *Cached) AuthPublicKey(ctx context.Context, user string, key ssh.PublicKey) (bool, error) {
	k := decisionKey(user, MethodPublicKey, ssh.FingerprintSHA256(key))
	return c.cache.GetOrFetch(ctx, k, c.ttl, func(ctx context.Context) (bool, error) {
		return c.next.AuthPublicKey(ctx, user, key)
	})
}

// AuthCertificate implements Authenticator. The certificate serial is part
// of the key so a reissued certificate is evaluated afresh.
func (c *Cached) AuthCertificate(ctx context.Context, user string, cert *ssh.Certificate) (bool, error) {
	id := fmt.Sprintf("%s:%d", ssh.FingerprintSHA256(cert.Key), cert.Serial)
	k := decisionKey(user, MethodCertificate, id)
	return c.cache.GetOrFetch(ctx, k, c.ttl, func(ctx context.Context) (bool, error) {
		return c.next.AuthCertificate(ctx, user, cert)
	})
}

// Forget drops every cached decision for user.
//
// Returns:
//   - The number of decisions removed
func (c *Cached) Forget(ctx context.Context, user string) (int, error) {
	return c.cache.DeleteByPrefix(ctx, userPrefix(user))
}

func userPrefix(user string) string {
	return "user:" + user + ":"
}

func decisionKey(user, method, credential string) string {
	return userPrefix(user) + method + ":" + credential
}
