// Package cliclient is sichctl's management-protocol client
// (SPEC_FULL.md's "[ADDED]" internal/cliclient): it dials sichd's local
// control listener (internal/orchestrator's controlLoop, distinct from
// internal/mgmt.Peer's GS<->drone port so a CLI query never steals the
// single inbound slot reserved for the real remote peer) and exchanges
// one JSON Command/Response pair per call.
package cliclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sich-link/sich/internal/mgmt"
)

// Client talks to one sichd instance's local control port. It holds no
// persistent connection; each call dials fresh, matching the control
// listener's one-command-per-connection contract.
type Client struct {
	addr string
	dialer net.Dialer
}

// New constructs a Client for the sichd control listener at addr
// (e.g. "127.0.0.1:14895", the default mgmt.control_addr).
func New(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) send(ctx context.Context, cmd mgmt.Command) (mgmt.Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return mgmt.Response{}, fmt.Errorf("cliclient: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return mgmt.Response{}, fmt.Errorf("cliclient: write command: %w", err)
	}

	var resp mgmt.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return mgmt.Response{}, fmt.Errorf("cliclient: read response: %w", err)
	}
	return resp, nil
}

// Status fetches the daemon's current StatusSnapshot.
func (c *Client) Status(ctx context.Context) (mgmt.StatusSnapshot, error) {
	resp, err := c.send(ctx, mgmt.Command{Command: mgmt.CommandQueryStatus})
	if err != nil {
		return mgmt.StatusSnapshot{}, err
	}
	if !resp.IsSuccess() {
		return mgmt.StatusSnapshot{}, fmt.Errorf("cliclient: query_status: %s", resp.Error)
	}
	if resp.Snapshot == nil {
		return mgmt.StatusSnapshot{}, errors.New("cliclient: query_status response missing snapshot")
	}
	return *resp.Snapshot, nil
}

// Arm issues set_status(armed).
func (c *Client) Arm(ctx context.Context) error {
	return c.setStatus(ctx, "armed")
}

// Disarm issues set_status(disarmed).
func (c *Client) Disarm(ctx context.Context) error {
	return c.setStatus(ctx, "disarmed")
}

func (c *Client) setStatus(ctx context.Context, status string) error {
	resp, err := c.send(ctx, mgmt.Command{Command: mgmt.CommandSetStatus, Status: status})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("cliclient: set_status(%s): %s", status, resp.Error)
	}
	return nil
}

// TriggerFreqSelHop issues freq_sel_hop, returning the action time the
// drone responded with.
func (c *Client) TriggerFreqSelHop(ctx context.Context) (time.Time, error) {
	resp, err := c.send(ctx, mgmt.Command{Command: mgmt.CommandFreqSelHop})
	if err != nil {
		return time.Time{}, err
	}
	if !resp.IsSuccess() || resp.Time == nil {
		return time.Time{}, fmt.Errorf("cliclient: freq_sel_hop: %s", resp.Error)
	}
	sec := int64(*resp.Time)
	nsec := int64((*resp.Time - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), nil
}

// PushConfig issues update_config with settings, implementing
// SPEC_FULL.md's Open Question resolution: update_config does not
// auto-broadcast, so sichctl push-config exists to trigger it
// explicitly when symmetric config is wanted.
func (c *Client) PushConfig(ctx context.Context, settings map[string]map[string]any) error {
	resp, err := c.send(ctx, mgmt.Command{Command: mgmt.CommandUpdateConfig, Settings: settings})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("cliclient: update_config: %s", resp.Error)
	}
	return nil
}

// AdjustTXPower issues tx_power with action ("increase" or "decrease").
func (c *Client) AdjustTXPower(ctx context.Context, action string) error {
	resp, err := c.send(ctx, mgmt.Command{Command: mgmt.CommandTXPower, Action: action})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("cliclient: tx_power(%s): %s", action, resp.Error)
	}
	return nil
}
