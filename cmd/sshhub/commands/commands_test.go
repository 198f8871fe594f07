package commands

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/cyberinferno/sshhub/auth"
	"github.com/cyberinferno/sshhub/config"
	"github.com/cyberinferno/sshhub/hub"
	"github.com/cyberinferno/sshhub/logger"
	"github.com/cyberinferno/sshhub/sshserver"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestVersionCmd(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "sshhub dev")
}

func TestInitCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sshhub.yaml")
	keyPath := filepath.Join(dir, "host_ed25519")

	root := NewRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"init", "--config", cfgPath, "--host-key", keyPath})
	require.NoError(t, root.Execute())

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:2222", cfg.Server.Listen)

	signers, err := sshserver.LoadHostKeys([]string{keyPath})
	require.NoError(t, err)
	assert.Len(t, signers, 1)

	root = NewRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"init", "--config", cfgPath})
	assert.ErrorIs(t, root.Execute(), config.ErrConfigExists)
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	log, err = newLogger(config.LoggingConfig{Level: "info", Format: "console", Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	_, err = newLogger(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestNewAuthenticator(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNopLogger()

	a, closeFn, err := newAuthenticator(ctx, config.AuthConfig{Cache: config.AuthCacheConfig{Backend: "none"}}, log)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, auth.AcceptAll{}, a)

	a, closeFn, err = newAuthenticator(ctx, config.AuthConfig{Cache: config.AuthCacheConfig{Backend: "memory", TTL: time.Minute}}, log)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &auth.Cached{}, a)
}

func TestServe_ShutdownTimer(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Listen = freeAddr(t)
	cfg.Server.ShutdownAfter = 300 * time.Millisecond
	cfg.Server.ShutdownGrace = 200 * time.Millisecond
	cfg.Auth.Cache.Backend = "none"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = freeAddr(t)

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), cfg, logger.NewNopLogger())
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the shutdown timer")
	}
}

func TestConnectCmd(t *testing.T) {
	signer, err := sshserver.GenerateHostKey()
	require.NoError(t, err)

	h := hub.New(hub.Options{})
	srv, err := sshserver.New(sshserver.Config{
		Addr:          "127.0.0.1:0",
		HostSigners:   []ssh.Signer{signer},
		ShutdownGrace: 200 * time.Millisecond,
	}, h, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Shutdown("test done")

	stdin, stdinW := io.Pipe()
	var out syncBuffer

	root := NewRootCmd()
	root.SetIn(stdin)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"connect", srv.Addr().String(), "--user", "tester", "-R", "127.0.0.1:9000"})

	done := make(chan error, 1)
	go func() {
		done <- root.Execute()
	}()

	require.Eventually(t, func() bool {
		return h.Registry().Len() == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, err = stdinW.Write([]byte("hi\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "Got data: hi\r\n") && strings.Contains(s, hub.ForwardGreeting)
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, stdinW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not return after stdin closed")
	}
}

func TestClientSigner(t *testing.T) {
	s, err := clientSigner("")
	require.NoError(t, err)
	assert.Equal(t, ssh.KeyAlgoED25519, s.PublicKey().Type())

	path := filepath.Join(t.TempDir(), "id")
	require.NoError(t, sshserver.WriteHostKey(path))
	s, err = clientSigner(path)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = clientSigner(filepath.Join(os.TempDir(), "does-not-exist-sshhub"))
	assert.Error(t, err)
}
