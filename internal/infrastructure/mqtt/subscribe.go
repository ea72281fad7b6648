package mqtt

import (
	"context"
	"fmt"
)

// Subscribe registers handler for messages matching filter at the
// configured QoS.
//
// Filters can include MQTT wildcards:
//   - + (single-level): "fun/+" matches "fun/led"
//   - # (multi-level): "fun/#" matches everything under "fun/"
//
// A second Subscribe for the same filter replaces the handler.
func (c *Client) Subscribe(ctx context.Context, filter string, handler MessageHandler) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	qos := byte(c.cfg.QoS)
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(filter, qos, c.wrapHandler(handler))
	if err := waitToken(ctx, token, c.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe removes a subscription. Messages already in flight may still
// be delivered.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Unsubscribe(filter)
	if err := waitToken(ctx, token, c.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}
