package cacher

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestNewRedisCacher_Namespace(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() {
		_ = client.Close()
	})

	tests := []struct {
		name      string
		namespace string
		want      string
	}{
		{"separator appended", "sshhub", "sshhub:"},
		{"separator kept", "sshhub:auth:", "sshhub:auth:"},
		{"empty stays empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewRedisCacher[bool](client, tt.namespace)
			assert.Equal(t, tt.want, c.namespace)
		})
	}

	// Prefix scans for one namespace never cover a sibling.
	a := NewRedisCacher[bool](client, "sshhub")
	b := NewRedisCacher[bool](client, "sshhub2")
	assert.NotContains(t, b.namespace, a.namespace)
}
