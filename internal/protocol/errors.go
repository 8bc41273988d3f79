package protocol

import "fmt"

// Stable client-facing error strings. Clients branch on these, so they must not change.
const (
	MsgAuthRequired      = "Authentication required. Send AUTH message first."
	MsgAuthTimeout       = "Authentication timeout"
	MsgAuthTokenRequired = "Authentication token required"
	MsgAuthFailed        = "Authentication failed"
	MsgTokenExpired      = "Token expired"
	MsgTokenInvalid      = "Invalid token"
	MsgAlreadyAuthed     = "Already authenticated"
	MsgUserNotFound      = "User not found"
	MsgUserInactive      = "User account is inactive"

	MsgInvalidFormat = "Invalid message format"
	MsgRateLimited   = "Rate limit exceeded. Please slow down."

	MsgChatRoleForbidden = "Only ADMIN and MANUFACTURER users can chat"
	MsgChatEmpty         = "Message cannot be empty"
	MsgChatTooLong       = "Message too long (max 1000 characters)"
	MsgSenderNotFound    = "Sender not found"
	MsgChatSendFailed    = "Failed to send message"

	MsgLocationRoleForbidden = "Only MANUFACTURER users can send location updates"
	MsgLocationBatchRequired = "Invalid location payload: batchId is required"
	MsgLocationLatRange      = "Invalid location payload: lat must be between -90 and 90"
	MsgLocationLngRange      = "Invalid location payload: lng must be between -180 and 180"
	MsgLocationTimestamp     = "Invalid location payload: timestamp must be ISO 8601"
)

// MsgUnknownType formats the error for an unrecognised or unsupported tag.
func MsgUnknownType(tag Tag) string {
	return fmt.Sprintf("Unknown message type: %s", tag)
}

// ProtocolError reports a frame that could not be decoded into a known envelope.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError reports a well-formed frame whose content or sender is not acceptable.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) error { return &ValidationError{Message: msg} }
