package protocol

import "strings"

// Tag identifies the payload variant carried by an envelope.
type Tag string

const (
	TagAuth         Tag = "AUTH"
	TagLocation     Tag = "LOCATION"
	TagChat         Tag = "CHAT"
	TagChatReceived Tag = "CHAT_RECEIVED"
	TagError        Tag = "ERROR"
	TagPing         Tag = "PING"
	TagPong         Tag = "PONG"
	TagNotification Tag = "NOTIFICATION"
	TagSubscribe    Tag = "SUBSCRIBE"
	TagBroadcast    Tag = "BROADCAST"

	TagAuthSuccess        Tag = "AUTH_SUCCESS"
	TagAuthError          Tag = "AUTH_ERROR"
	TagOrderCreated       Tag = "ORDER_CREATED"
	TagOrderStatusChanged Tag = "ORDER_STATUS_CHANGED"
	TagOrderPaymentUpdate Tag = "ORDER_PAYMENT_UPDATE"
	TagBatchCreated       Tag = "BATCH_CREATED"
	TagBatchStatusChanged Tag = "BATCH_STATUS_CHANGED"
	TagBatchRecalled      Tag = "BATCH_RECALLED"
	TagFraudAlert         Tag = "FRAUD_ALERT"
)

// String returns the wire form of the tag.
func (t Tag) String() string { return string(t) }

// Role is the platform role a connection authenticated under.
type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleManufacturer Role = "MANUFACTURER"
	RoleDistributor  Role = "DISTRIBUTOR"
	RolePharmacy     Role = "PHARMACY"
	RoleConsumer     Role = "CONSUMER"
)

// ParseRole normalises a role claim. Unknown roles are kept verbatim so they can
// still connect; they simply match no role rule.
func ParseRole(raw string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(raw)))
}

// String returns the wire form of the role.
func (r Role) String() string { return string(r) }

// CanChat reports whether the role may send CHAT messages.
func (r Role) CanChat() bool { return r == RoleAdmin || r == RoleManufacturer }

// CanSendLocation reports whether the role may publish LOCATION updates.
func (r Role) CanSendLocation() bool { return r == RoleManufacturer }

// ChatRoles returns the roles that form the broadcast chat audience. Each call
// returns a fresh slice.
func ChatRoles() []Role { return []Role{RoleAdmin, RoleManufacturer} }
