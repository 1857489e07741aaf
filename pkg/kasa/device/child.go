package device

import (
	"context"

	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
	"github.com/johnpr01/go-kasa/pkg/kasa/protocol"
)

// ChildDevice is one child of a hub or power strip: it shares the
// parent's transport and protocol instance (wrapped so every query is
// addressed to this child's id) and is owned by the parent's children
// map - a ChildDevice is never constructed outside Device.Update and
// never outlives its parent.
type ChildDevice struct {
	id       string
	parent   *Device
	proto    protocol.Protocol
	sysInfo  map[string]any
	features feature.Map
}

func newChildDevice(parent *Device, id string, info map[string]any) *ChildDevice {
	isSmart := parent.cfg.ConnectionParams.EncryptionType != "Xor"
	return &ChildDevice{
		id:       id,
		parent:   parent,
		proto:    protocol.NewChildProtocolWrapper(parent.proto, id, isSmart),
		sysInfo:  info,
		features: feature.Map{},
	}
}

// ID returns the child's device id, stable across parent updates.
func (c *ChildDevice) ID() string { return c.id }

// Parent returns the owning (non-owning, back-reference only) Device.
func (c *ChildDevice) Parent() *Device { return c.parent }

// SysInfo returns the child's last-known info block.
func (c *ChildDevice) SysInfo() map[string]any { return c.sysInfo }

// Features returns the child's own feature set.
func (c *ChildDevice) Features() feature.Map { return c.features }

// Query issues one request addressed to this child through the
// parent's transport/protocol, without a separate connection.
func (c *ChildDevice) Query(ctx context.Context, request map[string]any) (map[string]any, error) {
	return c.proto.Query(ctx, request)
}

// Update refreshes this child directly. When opts.UpdateChildrenOrParent
// is true (spec.md §4.5.2 step 6: "when called on a child with
// update_children_or_parent=true, also refresh the parent first"), the
// parent's own state is refreshed first, without cascading back into
// every other child, before this child re-fetches its own device_info.
func (c *ChildDevice) Update(ctx context.Context, opts UpdateOptions) error {
	if opts.UpdateChildrenOrParent {
		if err := c.parent.UpdateWithOptions(ctx, UpdateOptions{UpdateChildrenOrParent: false}); err != nil {
			return err
		}
	}
	return c.refresh(ctx)
}

// refresh re-fetches this child's own device_info through its wrapped
// protocol, so a hub child's internal_state reflects its own query()
// rather than only the parent's child-list entry (spec.md §4.5.4's
// invariant: "internal_state a faithful subset of what a standalone
// query would produce").
func (c *ChildDevice) refresh(ctx context.Context) error {
	resp, err := c.proto.Query(ctx, map[string]any{"get_device_info": nil})
	if err != nil {
		return err
	}
	info, _ := resp["get_device_info"].(map[string]any)
	if info == nil {
		return nil
	}
	c.sysInfo = info
	return nil
}

// SyncChildren rebuilds d.children from childInfos, the child entries
// the caller took from a device response. The child_device module's
// Process calls this (from outside
// the package, hence exported) so the children map and its backing
// arena stay consistent with the negotiated components that triggered it.
func SyncChildren(d *Device, childInfos []any) {
	syncChildren(d, childInfos)
}

func syncChildren(d *Device, childInfos []any) {
	seen := map[string]bool{}
	for _, raw := range childInfos {
		info, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := info["device_id"].(string)
		if id == "" {
			id, _ = info["id"].(string)
		}
		if id == "" {
			continue
		}
		seen[id] = true
		if existing, ok := d.children[id]; ok {
			existing.sysInfo = info
			continue
		}
		d.children[id] = newChildDevice(d, id, info)
	}
	for id := range d.children {
		if !seen[id] {
			delete(d.children, id)
		}
	}
}
