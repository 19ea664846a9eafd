package caseplane

import (
	"log/slog"
	"strings"
)

// IdentityResolver maps the partial identifiers carried by inbound events to
// existing mirror rows. Provider events rarely agree on which identifier they
// carry: the voice-AI platform speaks conversation ids, the carrier speaks
// call SIDs, and either may arrive first.
type IdentityResolver struct {
	store  *Store
	logger *slog.Logger
}

func NewIdentityResolver(store *Store, logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{store: store, logger: logger}
}

// ResolveSession walks the fallback chain: conversation id first, then the
// carrier call SID. When a session is found through the secondary identifier
// only, the missing one is backfilled onto the row so future lookups succeed
// on either. Returns false when nothing matches; the caller decides whether a
// placeholder session is warranted.
func (r *IdentityResolver) ResolveSession(conversationID, callSID string) (ExternalSession, bool) {
	conversationID = strings.TrimSpace(conversationID)
	callSID = strings.TrimSpace(callSID)

	if conversationID != "" {
		if sess, ok := r.store.FindSessionByConversationID(conversationID); ok {
			r.backfill(sess, conversationID, callSID)
			return r.refresh(sess), true
		}
	}
	if callSID != "" {
		if sess, ok := r.store.FindSessionByCallSID(callSID); ok {
			r.backfill(sess, conversationID, callSID)
			return r.refresh(sess), true
		}
	}
	return ExternalSession{}, false
}

func (r *IdentityResolver) backfill(sess ExternalSession, conversationID, callSID string) {
	needsConversation := sess.ConversationID == "" && conversationID != ""
	needsCallSID := sess.CallSID == "" && callSID != ""
	if !needsConversation && !needsCallSID {
		return
	}
	if err := r.store.LinkSessionIdentifiers(sess.ID, conversationID, callSID); err != nil {
		r.logger.Warn("session identifier backfill failed",
			"sessionId", sess.ID, "error", err)
	}
}

func (r *IdentityResolver) refresh(sess ExternalSession) ExternalSession {
	updated, err := r.store.GetSession(sess.ID)
	if err != nil {
		return sess
	}
	return updated
}

// ResolvePhone maps a raw phone number to case ids via the variant set. The
// match is probabilistic: two cases sharing a number both match, and callers
// that need exactly one take the first.
func (r *IdentityResolver) ResolvePhone(rawNumber string) []string {
	variants := phoneVariants(rawNumber)
	if len(variants) == 0 {
		return nil
	}
	return r.store.FindCasesByPhone(variants, 0)
}

// ResolvePhoneToCase is ResolvePhone with the first-match-wins limit applied.
func (r *IdentityResolver) ResolvePhoneToCase(rawNumber string) (string, bool) {
	matches := r.store.FindCasesByPhone(phoneVariants(rawNumber), 1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}
