package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/cyberinferno/sshhub/cacher"
)

type countingAuthenticator struct {
	mu     sync.Mutex
	calls  map[string]int
	accept bool
	err    error
}

func (c *countingAuthenticator) record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[method]++
}

func (c *countingAuthenticator) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *countingAuthenticator) AuthPublicKey(context.Context, string, ssh.PublicKey) (bool, error) {
	c.record(MethodPublicKey)
	return c.accept, c.err
}

func (c *countingAuthenticator) AuthCertificate(context.Context, string, *ssh.Certificate) (bool, error) {
	c.record(MethodCertificate)
	return c.accept, c.err
}

func newPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func newCached(next Authenticator) *Cached {
	return NewCached(next, cacher.NewMemoryCacher[bool](cache.NoExpiration, time.Minute), time.Minute)
}

func TestAcceptAll(t *testing.T) {
	ctx := context.Background()
	key := newPublicKey(t)

	ok, err := AcceptAll{}.AuthPublicKey(ctx, "anyone", key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AcceptAll{}.AuthCertificate(ctx, "anyone", &ssh.Certificate{Key: key})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCached_PublicKey(t *testing.T) {
	ctx := context.Background()
	next := &countingAuthenticator{accept: true}
	c := newCached(next)
	key := newPublicKey(t)

	t.Run("same user and key hits the cache", func(t *testing.T) {
		for range 3 {
			ok, err := c.AuthPublicKey(ctx, "alice", key)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		assert.Equal(t, 1, next.count(MethodPublicKey))
	})

	t.Run("different user is decided separately", func(t *testing.T) {
		_, err := c.AuthPublicKey(ctx, "bob", key)
		require.NoError(t, err)
		assert.Equal(t, 2, next.count(MethodPublicKey))
	})

	t.Run("forget drops one user's decisions", func(t *testing.T) {
		n, err := c.Forget(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = c.AuthPublicKey(ctx, "alice", key)
		require.NoError(t, err)
		assert.Equal(t, 3, next.count(MethodPublicKey))
	})
}

func TestCached_Certificate(t *testing.T) {
	ctx := context.Background()
	next := &countingAuthenticator{accept: false}
	c := newCached(next)
	key := newPublicKey(t)

	cert := &ssh.Certificate{Key: key, Serial: 1}
	for range 2 {
		ok, err := c.AuthCertificate(ctx, "alice", cert)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, next.count(MethodCertificate))

	reissued := &ssh.Certificate{Key: key, Serial: 2}
	_, err := c.AuthCertificate(ctx, "alice", reissued)
	require.NoError(t, err)
	assert.Equal(t, 2, next.count(MethodCertificate))
}

func TestCached_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	next := &countingAuthenticator{err: assert.AnError}
	c := newCached(next)
	key := newPublicKey(t)

	_, err := c.AuthPublicKey(ctx, "alice", key)
	assert.ErrorIs(t, err, assert.AnError)
	_, err = c.AuthPublicKey(ctx, "alice", key)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, next.count(MethodPublicKey))
}
