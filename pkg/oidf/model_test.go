package oidf_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spid-oidc/go-rp/pkg/oidf"
)

func TestCachedEntityInfoIsExpired(t *testing.T) {
	// Given.
	fresh := oidf.CachedEntityInfo{ExpiresAt: int(time.Now().Unix()) + 60}
	stale := oidf.CachedEntityInfo{ExpiresAt: int(time.Now().Unix()) - 60}

	// Then.
	assert.False(t, fresh.IsExpired())
	assert.True(t, stale.IsExpired())
}

func TestTrustChainIsExpired(t *testing.T) {
	// Given.
	fresh := oidf.TrustChain{ExpiresAt: int(time.Now().Unix()) + 60}
	stale := oidf.TrustChain{ExpiresAt: int(time.Now().Unix()) - 60}

	// Then.
	assert.False(t, fresh.IsExpired())
	assert.True(t, stale.IsExpired())
}
