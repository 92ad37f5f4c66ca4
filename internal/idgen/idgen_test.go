package idgen

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	assert.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, len("esc_")+24)
	assert.NotEqual(t, id, WithPrefix("esc_"))
}

func TestReferenceNumber(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ref := ReferenceNumber("ESC", now)
	assert.Regexp(t, regexp.MustCompile(`^ESC-2026-\d{6}$`), ref)
}

func TestIdempotencyKey(t *testing.T) {
	k := IdempotencyKey()
	_, err := uuid.Parse(k)
	require.NoError(t, err)
	assert.NotEqual(t, k, IdempotencyKey())
}
