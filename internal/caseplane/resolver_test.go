package caseplane

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveSessionPrefersConversationID(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	resolver := NewIdentityResolver(store, nil)

	byConv, err := store.CreateSession(ExternalSession{CaseID: "case-a", ConversationID: "conv-1"})
	require.NoError(t, err)
	_, err = store.CreateSession(ExternalSession{CaseID: "case-b", CallSID: "CA111"})
	require.NoError(t, err)

	sess, ok := resolver.ResolveSession("conv-1", "CA111")
	require.True(t, ok)
	require.Equal(t, byConv.ID, sess.ID)
}

func TestResolveSessionFallsBackToCallSIDAndBackfills(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	resolver := NewIdentityResolver(store, nil)

	created, err := store.CreateSession(ExternalSession{CaseID: "case-a", CallSID: "CA111"})
	require.NoError(t, err)

	sess, ok := resolver.ResolveSession("conv-1", "CA111")
	require.True(t, ok)
	require.Equal(t, created.ID, sess.ID)
	require.Equal(t, "conv-1", sess.ConversationID)

	// The backfilled identifier now resolves on its own.
	again, ok := resolver.ResolveSession("conv-1", "")
	require.True(t, ok)
	require.Equal(t, created.ID, again.ID)
}

func TestResolveSessionNoMatch(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	resolver := NewIdentityResolver(store, nil)

	_, ok := resolver.ResolveSession("conv-missing", "CA-missing")
	require.False(t, ok)

	_, ok = resolver.ResolveSession("", "")
	require.False(t, ok)
}

func TestResolvePhoneToCase(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })
	resolver := NewIdentityResolver(store, nil)

	_, err := store.UpsertCase(CaseRecord{ID: "case-a", Phone: "4155334125"})
	require.NoError(t, err)

	caseID, ok := resolver.ResolvePhoneToCase("+1 (415) 533-4125")
	require.True(t, ok)
	require.Equal(t, "case-a", caseID)

	_, ok = resolver.ResolvePhoneToCase("2065550100")
	require.False(t, ok)

	_, ok = resolver.ResolvePhoneToCase("")
	require.False(t, ok)
}
