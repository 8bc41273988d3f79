package bridge

import "pharmatrace/relay/internal/protocol"

func (c *Client) stamp() string { return protocol.FormatTimestamp(c.now()) }

// EmitOrderCreated forwards a new order, stamping Timestamp when empty.
// It returns false when the bridge is not connected.
func (c *Client) EmitOrderCreated(p protocol.OrderCreated) bool {
	if p.Timestamp == "" {
		p.Timestamp = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}

// EmitOrderStatusChanged forwards an order status change, stamping UpdatedAt when empty.
func (c *Client) EmitOrderStatusChanged(p protocol.OrderStatusChanged) bool {
	if p.UpdatedAt == "" {
		p.UpdatedAt = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}

// EmitOrderPaymentUpdate forwards a payment update, stamping UpdatedAt when empty.
func (c *Client) EmitOrderPaymentUpdate(p protocol.OrderPaymentUpdate) bool {
	if p.UpdatedAt == "" {
		p.UpdatedAt = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}

// EmitBatchCreated forwards a newly registered batch.
func (c *Client) EmitBatchCreated(p protocol.BatchCreated) bool {
	if p.Timestamp == "" {
		p.Timestamp = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}

// EmitBatchStatusChanged forwards a batch status change, stamping UpdatedAt when empty.
func (c *Client) EmitBatchStatusChanged(p protocol.BatchStatusChanged) bool {
	if p.UpdatedAt == "" {
		p.UpdatedAt = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}

// EmitBatchRecalled forwards a recall notice.
func (c *Client) EmitBatchRecalled(p protocol.BatchRecalled) bool {
	if p.Timestamp == "" {
		p.Timestamp = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}

// EmitFraudAlert forwards a fraud alert, stamping Timestamp when empty.
func (c *Client) EmitFraudAlert(p protocol.FraudAlert) bool {
	if p.Timestamp == "" {
		p.Timestamp = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}

// EmitNotification forwards a user notification.
func (c *Client) EmitNotification(p protocol.Notification) bool {
	if p.Timestamp == "" {
		p.Timestamp = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}

// EmitBroadcast forwards a system-wide broadcast. Like every emitter it
// returns false when the bridge is not connected.
func (c *Client) EmitBroadcast(p protocol.Broadcast) bool {
	if p.Timestamp == "" {
		p.Timestamp = c.stamp()
	}
	return c.Send(protocol.NewAt(p, c.now()))
}
