package protocol

// Payload is implemented by every closed payload variant.
type Payload interface {
	Tag() Tag
}

// AuthRequest is the first frame a client must send.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResult acknowledges a successful client handshake.
type AuthResult struct {
	Success bool `json:"success"`
	Role    Role `json:"role"`
}

// ServiceAuth authenticates a backend service on the central relay.
type ServiceAuth struct {
	ServiceKey  string `json:"serviceKey"`
	ClientType  string `json:"clientType"`
	ServiceType string `json:"serviceType"`
}

// AuthStatus is the central relay's reply to ServiceAuth.
type AuthStatus struct {
	ServiceType string `json:"serviceType,omitempty"`
	Message     string `json:"message,omitempty"`
	Accepted    bool   `json:"-"`
}

// Location is a GPS ping for a batch in transit. Lat and Lng are pointers so a
// missing coordinate can be told apart from zero.
type Location struct {
	BatchID     string   `json:"batchId"`
	WarehouseID string   `json:"warehouseId,omitempty"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Timestamp   string   `json:"timestamp,omitempty"`
}

// Chat is a client chat submission.
type Chat struct {
	Message     string `json:"message"`
	RecipientID string `json:"recipientId,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// ChatReceived is the server-built chat delivery frame.
type ChatReceived struct {
	Message     string `json:"message"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	SenderRole  Role   `json:"senderRole"`
	RecipientID string `json:"recipientId,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// Subscribe asks the central relay for the listed channels.
type Subscribe struct {
	Channels []string `json:"channels"`
}

// Notification is a human-readable alert pushed to dashboards.
type Notification struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Level     string `json:"level,omitempty"`
	Source    string `json:"source,omitempty"`
	BatchID   string `json:"batchId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Broadcast is a channel-wide announcement relayed by the central relay.
type Broadcast struct {
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// OrderCreated announces a new order.
type OrderCreated struct {
	OrderID     string  `json:"orderId"`
	BatchID     string  `json:"batchId,omitempty"`
	BuyerID     string  `json:"buyerId,omitempty"`
	SellerID    string  `json:"sellerId,omitempty"`
	Quantity    int     `json:"quantity,omitempty"`
	TotalAmount float64 `json:"totalAmount,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// OrderStatusChanged reports an order lifecycle transition.
type OrderStatusChanged struct {
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// OrderPaymentUpdate reports a payment state change on an order.
type OrderPaymentUpdate struct {
	OrderID       string  `json:"orderId"`
	PaymentStatus string  `json:"paymentStatus"`
	Amount        float64 `json:"amount,omitempty"`
	UpdatedAt     string  `json:"updatedAt,omitempty"`
}

// BatchCreated announces a newly registered batch.
type BatchCreated struct {
	BatchID        string `json:"batchId"`
	BatchNumber    string `json:"batchNumber,omitempty"`
	ManufacturerID string `json:"manufacturerId,omitempty"`
	ProductName    string `json:"productName,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// BatchStatusChanged reports a batch lifecycle transition.
type BatchStatusChanged struct {
	BatchID        string `json:"batchId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// BatchRecalled announces a recall.
type BatchRecalled struct {
	BatchID    string `json:"batchId"`
	Reason     string `json:"reason"`
	RecalledBy string `json:"recalledBy,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// FraudAlert carries a fraud detection result.
type FraudAlert struct {
	AlertID     string  `json:"alertId,omitempty"`
	BatchID     string  `json:"batchId,omitempty"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Score       float64 `json:"score,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

func (AuthRequest) Tag() Tag { return TagAuth }
func (AuthResult) Tag() Tag { return TagAuth }
func (ServiceAuth) Tag() Tag { return TagAuth }
func (a AuthStatus) Tag() Tag {
	if a.Accepted {
		return TagAuthSuccess
	}
	return TagAuthError
}
func (Location) Tag() Tag { return TagLocation }
func (Chat) Tag() Tag { return TagChat }
func (ChatReceived) Tag() Tag { return TagChatReceived }
func (Subscribe) Tag() Tag { return TagSubscribe }
func (Notification) Tag() Tag { return TagNotification }
func (Broadcast) Tag() Tag { return TagBroadcast }
func (OrderCreated) Tag() Tag { return TagOrderCreated }
func (OrderStatusChanged) Tag() Tag { return TagOrderStatusChanged }
func (OrderPaymentUpdate) Tag() Tag { return TagOrderPaymentUpdate }
func (BatchCreated) Tag() Tag { return TagBatchCreated }
func (BatchStatusChanged) Tag() Tag { return TagBatchStatusChanged }
func (BatchRecalled) Tag() Tag { return TagBatchRecalled }
func (FraudAlert) Tag() Tag { return TagFraudAlert }
