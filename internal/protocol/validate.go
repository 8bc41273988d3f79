package protocol

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxChatLength is the maximum chat body length in characters after trimming.
const MaxChatLength = 1000

// NormaliseChat trims the body and checks it against the length rules. The
// trimmed body is returned so callers persist and deliver exactly what was checked.
func NormaliseChat(message string) (string, error) {
	body := strings.TrimSpace(message)
	if body == "" {
		return "", invalid(MsgChatEmpty)
	}
	if utf8.RuneCountInString(body) > MaxChatLength {
		return "", invalid(MsgChatTooLong)
	}
	return body, nil
}

// CheckChat applies the sender role rule before the body rules.
func CheckChat(role Role, chat Chat) (string, error) {
	if !role.CanChat() {
		return "", invalid(MsgChatRoleForbidden)
	}
	return NormaliseChat(chat.Message)
}

// ValidateLocation checks the payload fields of a LOCATION update.
func ValidateLocation(loc Location) error {
	if strings.TrimSpace(loc.BatchID) == "" {
		return invalid(MsgLocationBatchRequired)
	}
	if loc.Lat == nil || *loc.Lat < -90 || *loc.Lat > 90 {
		return invalid(MsgLocationLatRange)
	}
	if loc.Lng == nil || *loc.Lng < -180 || *loc.Lng > 180 {
		return invalid(MsgLocationLngRange)
	}
	if loc.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, loc.Timestamp); err != nil {
			return invalid(MsgLocationTimestamp)
		}
	}
	return nil
}

// CheckLocation applies the sender role rule before the payload rules.
func CheckLocation(role Role, loc Location) error {
	if !role.CanSendLocation() {
		return invalid(MsgLocationRoleForbidden)
	}
	return ValidateLocation(loc)
}

// IsWellFormedChat reports whether a chat from role would pass CheckChat. It lets
// callers reject bad frames before dispatching them anywhere.
func IsWellFormedChat(role Role, chat Chat) bool {
	_, err := CheckChat(role, chat)
	return err == nil
}
