package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKind_SeesThroughWrapping(t *testing.T) {
	base := New(Contention, "store.with_lock", "work_claims", "lock held")
	wrapped := fmt.Errorf("sweep failed: %w", base)

	assert.True(t, IsKind(wrapped, Contention))
	assert.False(t, IsKind(wrapped, NotFound))
	assert.Equal(t, Contention, KindOf(wrapped))
	assert.True(t, Retryable(wrapped))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StorageCorruption, "filestore.replace", "agent_status", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "filestore.replace")
	assert.Contains(t, err.Error(), "agent_status")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))
	assert.Equal(t, 2, ExitCode(New(Validation, "op", "", "")))
	assert.Equal(t, 3, ExitCode(New(NotFound, "op", "", "")))
	assert.Equal(t, 4, ExitCode(New(Contention, "op", "", "")))
	assert.Equal(t, 5, ExitCode(New(StaleClaim, "op", "", "")))
	assert.Equal(t, 6, ExitCode(New(StorageCorruption, "op", "", "")))
	assert.Equal(t, 0, ExitCode(New(AlreadyCompleted, "op", "", "")),
		"idempotent repeats are success for scripting")
}

func TestRetryable_OnlyContention(t *testing.T) {
	assert.True(t, Retryable(New(Contention, "op", "", "")))
	for _, k := range []Kind{Validation, NotFound, StaleClaim, StorageCorruption, AlreadyCompleted} {
		assert.False(t, Retryable(New(k, "op", "", "")), string(k))
	}
}
