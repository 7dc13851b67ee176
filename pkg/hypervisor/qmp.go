package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/digitalocean/go-qemu/qmp"

	"github.com/javanstorm/vmstate/internal/clock"
)

const (
	qmpDialTimeout  = 2 * time.Second
	qmpPollInterval = 100 * time.Millisecond
)

// qmpClient wraps a QMP monitor connection.
type qmpClient struct {
	monitor qmp.Monitor
	clock   clock.Clock
}

// dialQMP connects to the QMP socket, retrying until qemu has created
// it. It gives up when ctx is done or stop is closed.
func dialQMP(ctx context.Context, clk clock.Clock, socket string, stop <-chan struct{}) (*qmpClient, error) {
	ticker := clk.NewTicker(qmpPollInterval)
	defer ticker.Stop()

	for {
		monitor, err := qmp.NewSocketMonitor("unix", socket, qmpDialTimeout)
		if err == nil {
			if err = monitor.Connect(); err == nil {
				return &qmpClient{monitor: monitor, clock: clk}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("hypervisor: connect QMP %s: %w (last error: %v)", socket, ctx.Err(), err)
		case <-stop:
			return nil, fmt.Errorf("hypervisor: connect QMP %s: process exited (last error: %v)", socket, err)
		case <-ticker.C:
		}
	}
}

// run executes a QMP command and decodes its "return" value into out
// when out is non-nil.
func (c *qmpClient) run(execute string, args any, out any) error {
	command, err := json.Marshal(qmp.Command{Execute: execute, Args: args})
	if err != nil {
		return fmt.Errorf("hypervisor: encode QMP %s: %w", execute, err)
	}

	raw, err := c.monitor.Run(command)
	if err != nil {
		return fmt.Errorf("hypervisor: QMP %s: %w", execute, err)
	}
	if out == nil {
		return nil
	}

	var response struct {
		Return json.RawMessage `json:"return"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return fmt.Errorf("hypervisor: decode QMP %s response: %w", execute, err)
	}
	if err := json.Unmarshal(response.Return, out); err != nil {
		return fmt.Errorf("hypervisor: decode QMP %s return: %w", execute, err)
	}
	return nil
}

// migrationStatus is the subset of query-migrate used here.
type migrationStatus struct {
	Status    string `json:"status"`
	ErrorDesc string `json:"error-desc"`
}

// migrateToFile pauses the guest and streams its state to path,
// returning once qemu reports the migration finished.
func (c *qmpClient) migrateToFile(ctx context.Context, path string) error {
	if err := c.run("stop", nil, nil); err != nil {
		return err
	}
	if err := c.run("migrate", map[string]any{"uri": "file:" + path}, nil); err != nil {
		return err
	}

	ticker := c.clock.NewTicker(qmpPollInterval)
	defer ticker.Stop()

	for {
		var status migrationStatus
		if err := c.run("query-migrate", nil, &status); err != nil {
			return err
		}
		switch status.Status {
		case "completed":
			return nil
		case "failed", "cancelled":
			return fmt.Errorf("%w: migration %s: %s", ErrCaptureFailed, status.Status, status.ErrorDesc)
		}

		select {
		case <-ctx.Done():
			c.run("migrate_cancel", nil, nil)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *qmpClient) quit() error {
	return c.run("quit", nil, nil)
}

func (c *qmpClient) close() error {
	return c.monitor.Disconnect()
}
