package model

import "regexp"

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidConversationID reports whether id is a well-formed conversation id.
// Ids are used as bus subject tokens, so dots and wildcards are not allowed.
func ValidConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
}
