package timeutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spid-oidc/go-rp/internal/timeutil"
)

func TestTimestampNow(t *testing.T) {
	before := time.Now().Unix()
	now := timeutil.TimestampNow()
	assert.GreaterOrEqual(t, int64(now), before)
}

func TestTimestamp(t *testing.T) {
	moment := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, int(moment.Unix()), timeutil.Timestamp(moment))
}
