// Package operation provides the per-operation context handed to each
// command: the owning client, the lock-manager handle, the storage recovery
// unit, the write unit of work, and the read concern in effect.
package operation

import (
	"sync"

	"github.com/sushant-115/gojodb/core/replication/oplog"
)

// Client describes the connection an operation runs on behalf of. Its mutex
// serializes custody transfers of the locker and recovery unit on any of the
// client's operation contexts.
type Client struct {
	mu sync.Mutex

	desc         string
	hostAndPort  string
	appName      string
	connectionID int64
	isDirect     bool

	lastOp oplog.OpTime
}

// NewClient creates a client with the given description (e.g. "conn42").
func NewClient(desc string) *Client {
	return &Client{desc: desc}
}

// Desc returns the client description.
func (c *Client) Desc() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// SetHostAndPort records the remote endpoint of the client.
func (c *Client) SetHostAndPort(hostAndPort string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostAndPort = hostAndPort
}

// HostAndPort returns the remote endpoint of the client.
func (c *Client) HostAndPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostAndPort
}

// SetAppName records the application name supplied at handshake.
func (c *Client) SetAppName(appName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appName = appName
}

// AppName returns the application name supplied at handshake.
func (c *Client) AppName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appName
}

// SetConnectionID records the server-assigned connection number.
func (c *Client) SetConnectionID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionID = id
}

// ConnectionID returns the server-assigned connection number.
func (c *Client) ConnectionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// SetInDirectClient marks the client as an internal direct client whose
// operations bypass resource stashing.
func (c *Client) SetInDirectClient(direct bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isDirect = direct
}

// IsInDirectClient reports whether the client is an internal direct client.
func (c *Client) IsInDirectClient() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isDirect
}

// LastOp returns the last optime observed by the client, used for write
// concern waits.
func (c *Client) LastOp() oplog.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOp
}

// SetLastOp unconditionally installs a new last optime.
func (c *Client) SetLastOp(ot oplog.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOp = ot
}
