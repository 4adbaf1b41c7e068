package review

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openhitl/reviewd/internal/token"
)

func sampleCase(id string, status Status) *Case {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Case{
		CaseID:          id,
		Type:            TypeApproval,
		Status:          status,
		ReviewTokenHash: token.Hash("review-" + id),
		Context:         json.RawMessage(`{"k":"v"}`),
		Prompt:          "check this",
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
		Version:         1,
		ETag:            ETagFor(1, status),
	}
}

// TestMemoryStorage_RoundTrip verifies get returns what put stored,
// including the not-found sentinel.
func TestMemoryStorage_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStorage()

	_, err := m.GetCase(ctx, "rc_missing")
	require.ErrorIs(t, err, ErrCaseNotFound)

	c := sampleCase("rc_1", StatusPending)
	require.NoError(t, m.PutCase(ctx, c))

	got, err := m.GetCase(ctx, "rc_1")
	require.NoError(t, err)
	require.Equal(t, c, got)
	require.Equal(t, 1, m.Len())
}

// TestMemoryStorage_CopiesOnBoundaries verifies callers cannot mutate
// stored state through returned or inserted pointers.
func TestMemoryStorage_CopiesOnBoundaries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStorage()

	c := sampleCase("rc_1", StatusPending)
	require.NoError(t, m.PutCase(ctx, c))

	// Mutating the inserted case after put changes nothing stored.
	c.Status = StatusCancelled

	got, err := m.GetCase(ctx, "rc_1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	// Mutating a returned case changes nothing stored either.
	got.Version = 99
	got.InlineActions = append(got.InlineActions, "confirm")

	again, err := m.GetCase(ctx, "rc_1")
	require.NoError(t, err)
	require.Equal(t, 1, again.Version)
	require.Empty(t, again.InlineActions)
}

// TestMemoryStorage_Delete verifies removal and that deleting an unknown ID
// is a no-op.
func TestMemoryStorage_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStorage()

	require.NoError(t, m.PutCase(ctx, sampleCase("rc_1", StatusPending)))
	require.NoError(t, m.DeleteCase(ctx, "rc_1"))
	require.NoError(t, m.DeleteCase(ctx, "rc_1"))

	_, err := m.GetCase(ctx, "rc_1")
	require.ErrorIs(t, err, ErrCaseNotFound)
	require.Equal(t, 0, m.Len())
}

// TestMemoryStorage_ListUnresolved verifies only non-terminal cases are
// returned.
func TestMemoryStorage_ListUnresolved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStorage()

	require.NoError(t, m.PutCase(ctx, sampleCase("rc_p", StatusPending)))
	require.NoError(t, m.PutCase(ctx, sampleCase("rc_o", StatusOpened)))
	require.NoError(t, m.PutCase(ctx,
		sampleCase("rc_w", StatusInProgress)))
	require.NoError(t, m.PutCase(ctx,
		sampleCase("rc_c", StatusCompleted)))
	require.NoError(t, m.PutCase(ctx, sampleCase("rc_e", StatusExpired)))
	require.NoError(t, m.PutCase(ctx,
		sampleCase("rc_x", StatusCancelled)))

	unresolved, err := m.ListUnresolved(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool, len(unresolved))
	for _, c := range unresolved {
		ids[c.CaseID] = true
	}
	require.Equal(t, map[string]bool{
		"rc_p": true, "rc_o": true, "rc_w": true,
	}, ids)
}
