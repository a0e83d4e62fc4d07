package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/chaz8081/heystack-tag/internal/ble/protocol"
)

// mockCharacteristic records writes and serves reads.
type mockCharacteristic struct {
	mu      sync.Mutex
	writes  [][]byte
	value   []byte
	readErr error
	// onWrite, if set, decides the outcome of each write.
	onWrite func(data []byte) error
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	hook := c.onWrite
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	if hook != nil {
		return hook(cp)
	}
	return nil
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.value...), nil
}

func (c *mockCharacteristic) setValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// mockConnection simulates a connection to a tag with an open provisioning
// window: every 28-byte write bumps the key count.
type mockConnection struct {
	mu           sync.Mutex
	keyWrite     *mockCharacteristic
	keyCount     *mockCharacteristic
	count        uint16
	disconnectCb func()
	disconnected bool
}

func newMockConnection(initial uint16) *mockConnection {
	c := &mockConnection{
		keyWrite: &mockCharacteristic{},
		keyCount: &mockCharacteristic{value: protocol.EncodeKeyCount(initial)},
		count:    initial,
	}
	c.keyWrite.onWrite = func(data []byte) error {
		if len(data) == protocol.KeyLen {
			c.mu.Lock()
			c.count++
			n := c.count
			c.mu.Unlock()
			c.keyCount.setValue(protocol.EncodeKeyCount(n))
		}
		return nil
	}
	return c
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if serviceUUID != ServiceUUID {
		return nil, fmt.Errorf("mock: unknown service UUID %q", serviceUUID)
	}
	switch strings.ToLower(charUUID) {
	case KeyWriteUUID:
		return c.keyWrite, nil
	case KeyCountUUID:
		return c.keyCount, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu          sync.Mutex
	devices     []Device
	connectErrs []error // consumed one per Connect call
	connects    int
	scanNames   []string
	connection  *mockConnection // most recent connection for test assertions
	initial     uint16
	// onConnect, if set, customises each new connection.
	onConnect func(*mockConnection)
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{devices: devices}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context, name string) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanNames = append(a.scanNames, name)
	var out []Device
	for _, d := range a.devices {
		if name == "" || strings.Contains(d.Name, name) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	a.connection = newMockConnection(a.initial)
	if a.onConnect != nil {
		a.onConnect(a.connection)
	}
	return a.connection, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
