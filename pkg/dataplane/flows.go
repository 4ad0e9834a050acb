package dataplane

import (
	"context"
	"fmt"
)

// FlowPath returns the RESTCONF path of one flow entry (spec.md §6).
func FlowPath(nodeID string, tableID int, flowID string) string {
	return fmt.Sprintf("opendaylight-inventory:nodes/node/%s/flow-node-inventory:table/%d/flow/%s", nodeID, tableID, flowID)
}

type flowWrapper struct {
	Flow []any `json:"flow"`
}

// PutFlow installs flow onto nodeID's table tableID under flowID, then
// confirms it is observable in the operational store before returning.
func (c *Client) PutFlow(ctx context.Context, nodeID string, tableID int, flowID string, flow any) error {
	path := FlowPath(nodeID, tableID, flowID)
	if err := c.Put(ctx, path, flowWrapper{Flow: []any{flow}}); err != nil {
		return fmt.Errorf("dataplane: put flow %s/%s: %w", nodeID, flowID, err)
	}
	return c.Poll(ctx, "put_flow", func(ctx context.Context) (bool, error) {
		err := c.Get(ctx, OperationalStore, path, nil)
		if err == ErrNotFound {
			return false, nil
		}
		return err == nil, err
	})
}

// DeleteFlow removes flowID from nodeID's table tableID, then confirms its
// absence in the operational store.
func (c *Client) DeleteFlow(ctx context.Context, nodeID string, tableID int, flowID string) error {
	path := FlowPath(nodeID, tableID, flowID)
	if err := c.Delete(ctx, path); err != nil {
		return fmt.Errorf("dataplane: delete flow %s/%s: %w", nodeID, flowID, err)
	}
	return c.Poll(ctx, "delete_flow", func(ctx context.Context) (bool, error) {
		err := c.Get(ctx, OperationalStore, path, nil)
		if err == ErrNotFound {
			return true, nil
		}
		return false, err
	})
}
