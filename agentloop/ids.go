package agentloop

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// DefaultUser names requests that carry no user identity.
const DefaultUser = "anonymous"

// DeriveThreadID builds the checkpoint key of a conversation from the
// requesting user and its conversation id. A missing conversation id starts
// a new conversation.
func DeriveThreadID(user, conversationID string) string {
	user = strings.TrimSpace(user)
	if user == "" {
		user = DefaultUser
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return user + ":" + conversationID
}

// DeriveSessionID maps a thread id to a short, stable output folder name.
func DeriveSessionID(threadID string) string {
	sum := md5.Sum([]byte(threadID))
	return hex.EncodeToString(sum[:])[:8]
}

// validSessionID reports whether id can be used as a single path segment.
func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, `/\:`) && !strings.Contains(id, "..")
}
