// Package memfacade provides an in-memory, session-aware implementation of
// the facade.Service interface: a single-process node tree with sequential
// and ephemeral nodes, one-shot watches, and fault injection for connection
// loss and session expiry. It backs the library's test suite and doubles as
// an embedded backend for single-process use.
package memfacade

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jathurchan/treekeeper/facade"
	"github.com/jathurchan/treekeeper/types"
)

// Tree is a shared in-memory node tree. Multiple clients, each with its own
// session, may be connected to one tree.
type Tree struct {
	mu          sync.Mutex
	root        *znode
	nextSession int64
	lastTime    int64
	pending     map[string][]*watchReg
}

type znode struct {
	data     []byte
	children map[string]*znode
	stat     types.Stat
	seq      int64

	dataWatches  []*watchReg
	childWatches []*watchReg
}

type watchReg struct {
	ch    chan types.WatchEvent
	owner *Client
	fired bool
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{
		root:    &znode{children: make(map[string]*znode)},
		pending: make(map[string][]*watchReg),
	}
}

// now returns a strictly increasing server clock in milliseconds, so that
// consecutive writes always observe distinct Mtimes.
func (t *Tree) now() int64 {
	ms := time.Now().UnixMilli()
	if ms <= t.lastTime {
		ms = t.lastTime + 1
	}
	t.lastTime = ms
	return ms
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// lookup walks to the node at path, or nil.
func (t *Tree) lookup(path string) *znode {
	n := t.root
	for _, part := range splitPath(path) {
		n = n.children[part]
		if n == nil {
			return nil
		}
	}
	return n
}

// lookupParent returns the parent node and the leaf name of path.
func (t *Tree) lookupParent(path string) (*znode, string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, ""
	}
	n := t.root
	for _, part := range parts[:len(parts)-1] {
		n = n.children[part]
		if n == nil {
			return nil, ""
		}
	}
	return n, parts[len(parts)-1]
}

// fire delivers a one-shot event to every registration in regs and consumes
// them. Events for clients that are currently disconnected are dropped: a
// missed watch is exactly what reconnect re-sync logic must cope with.
func fire(regs []*watchReg, typ types.EventType, path string) {
	for _, reg := range regs {
		if reg.fired {
			continue
		}
		reg.fired = true
		if reg.owner.isDown() {
			continue
		}
		reg.ch <- types.WatchEvent{Type: typ, Path: path}
	}
}

func (t *Tree) register(c *Client, regs *[]*watchReg) <-chan types.WatchEvent {
	reg := &watchReg{ch: make(chan types.WatchEvent, 1), owner: c}
	*regs = append(*regs, reg)
	c.track(reg)
	return reg.ch
}

// deleteLocked removes the node at path, firing its data watches, its own
// child watches and the parent's child watches. Caller holds t.mu and has
// verified existence.
func (t *Tree) deleteLocked(path string) {
	parent, leaf := t.lookupParent(path)
	node := parent.children[leaf]
	delete(parent.children, leaf)
	parent.stat.NumChildren = int32(len(parent.children))
	parent.stat.Cversion++
	fire(node.dataWatches, types.EventNodeDeleted, path)
	node.dataWatches = nil
	fire(node.childWatches, types.EventNodeDeleted, path)
	node.childWatches = nil
	fire(parent.childWatches, types.EventChildrenChanged, parentPath(path))
	parent.childWatches = nil
}

func parentPath(path string) string {
	idx := strings.LastIndex(strings.TrimRight(path, "/"), "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// collectEphemerals returns the paths of every node owned by session,
// deepest first so deletes never hit ErrNotEmpty.
func (t *Tree) collectEphemerals(session int64) []string {
	var paths []string
	var walk func(prefix string, n *znode)
	walk = func(prefix string, n *znode) {
		for name, child := range n.children {
			childPath := prefix + "/" + name
			walk(childPath, child)
			if child.stat.EphemeralOwner == session {
				paths = append(paths, childPath)
			}
		}
	}
	walk("", t.root)
	return paths
}

// Connect establishes a new session on the tree and returns a client handle
// for it.
func (t *Tree) Connect() *Client {
	t.mu.Lock()
	t.nextSession++
	id := t.nextSession
	t.mu.Unlock()
	return &Client{
		tree:    t,
		session: id,
		state:   types.StateConnected,
		subs:    make(map[int]chan types.SessionEvent),
	}
}

// Client is one session's handle on the tree. It implements facade.Service.
type Client struct {
	tree *Tree

	mu      sync.Mutex
	session int64
	state   types.SessionState
	closed  bool
	subs    map[int]chan types.SessionEvent
	nextSub int
	regs    []*watchReg
}

var _ facade.Service = (*Client)(nil)

// guard rejects calls on closed or disconnected handles.
func (c *Client) guard() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, facade.ErrClosed
	}
	if c.state != types.StateConnected {
		return 0, facade.ErrConnectionLoss
	}
	return c.session, nil
}

func (c *Client) isDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != types.StateConnected
}

func (c *Client) track(reg *watchReg) {
	c.mu.Lock()
	c.regs = append(c.regs, reg)
	c.mu.Unlock()
}

// SessionID returns the current session identifier.
func (c *Client) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) Create(ctx context.Context, path string, data []byte, flags facade.CreateFlags) (string, error) {
	session, err := c.guard()
	if err != nil {
		return "", err
	}

	t := c.tree
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, leaf := t.lookupParent(path)
	if parent == nil || leaf == "" {
		return "", facade.ErrNoNode
	}
	if flags&facade.FlagSequential != 0 {
		leaf = fmt.Sprintf("%s%010d", leaf, parent.seq)
		parent.seq++
	} else if _, ok := parent.children[leaf]; ok {
		return "", facade.ErrNodeExists
	}

	now := t.now()
	node := &znode{
		data:     append([]byte(nil), data...),
		children: make(map[string]*znode),
		stat:     types.Stat{Ctime: now, Mtime: now},
	}
	if flags&facade.FlagEphemeral != 0 {
		node.stat.EphemeralOwner = session
	}
	parent.children[leaf] = node
	parent.stat.NumChildren = int32(len(parent.children))
	parent.stat.Cversion++

	created := parentPath(path)
	if created == "/" {
		created = ""
	}
	createdPath := created + "/" + leaf

	fire(t.pending[createdPath], types.EventNodeCreated, createdPath)
	delete(t.pending, createdPath)
	fire(parent.childWatches, types.EventChildrenChanged, parentPath(path))
	parent.childWatches = nil

	return createdPath, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if _, err := c.guard(); err != nil {
		return err
	}

	t := c.tree
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.lookup(path)
	if node == nil {
		return facade.ErrNoNode
	}
	if len(node.children) > 0 {
		return facade.ErrNotEmpty
	}
	t.deleteLocked(path)
	return nil
}

func (c *Client) Exists(ctx context.Context, path string, watch bool) (*types.Stat, <-chan types.WatchEvent, error) {
	if _, err := c.guard(); err != nil {
		return nil, nil, err
	}

	t := c.tree
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.lookup(path)
	var ch <-chan types.WatchEvent
	if node == nil {
		if watch {
			reg := &watchReg{ch: make(chan types.WatchEvent, 1), owner: c}
			t.pending[path] = append(t.pending[path], reg)
			c.track(reg)
			ch = reg.ch
		}
		return nil, ch, nil
	}
	if watch {
		ch = t.register(c, &node.dataWatches)
	}
	stat := node.stat
	return &stat, ch, nil
}

func (c *Client) GetData(ctx context.Context, path string, watch bool) ([]byte, *types.Stat, <-chan types.WatchEvent, error) {
	if _, err := c.guard(); err != nil {
		return nil, nil, nil, err
	}

	t := c.tree
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.lookup(path)
	if node == nil {
		return nil, nil, nil, facade.ErrNoNode
	}
	var ch <-chan types.WatchEvent
	if watch {
		ch = t.register(c, &node.dataWatches)
	}
	stat := node.stat
	return append([]byte(nil), node.data...), &stat, ch, nil
}

func (c *Client) SetData(ctx context.Context, path string, data []byte) (*types.Stat, error) {
	if _, err := c.guard(); err != nil {
		return nil, err
	}

	t := c.tree
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.lookup(path)
	if node == nil {
		return nil, facade.ErrNoNode
	}
	node.data = append([]byte(nil), data...)
	node.stat.Version++
	node.stat.Mtime = t.now()
	fire(node.dataWatches, types.EventDataChanged, path)
	node.dataWatches = nil
	stat := node.stat
	return &stat, nil
}

func (c *Client) GetChildren(ctx context.Context, path string, watch bool) ([]string, *types.Stat, <-chan types.WatchEvent, error) {
	if _, err := c.guard(); err != nil {
		return nil, nil, nil, err
	}

	t := c.tree
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.lookup(path)
	if node == nil {
		return nil, nil, nil, facade.ErrNoNode
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	var ch <-chan types.WatchEvent
	if watch {
		ch = t.register(c, &node.childWatches)
	}
	stat := node.stat
	return names, &stat, ch, nil
}

func (c *Client) State() types.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SubscribeSession() (<-chan types.SessionEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan types.SessionEvent, 8)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// emit sends a session event to all subscribers, dropping for slow ones.
func (c *Client) emit(state types.SessionState) {
	c.mu.Lock()
	subs := make([]chan types.SessionEvent, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- types.SessionEvent{State: state}:
		default:
		}
	}
}

// KillConnection simulates a transport outage: every subsequent call fails
// with ErrConnectionLoss and watch events for this session are lost until
// Restore. The session itself stays alive server-side.
func (c *Client) KillConnection() {
	c.mu.Lock()
	c.state = types.StateDisconnected
	c.mu.Unlock()
	c.emit(types.StateDisconnected)
}

// Restore ends a simulated outage.
func (c *Client) Restore() {
	c.mu.Lock()
	c.state = types.StateConnected
	c.mu.Unlock()
	c.emit(types.StateConnected)
}

// ExpireSession discards the session server-side: its ephemeral nodes are
// removed (firing sibling watches), its outstanding watches receive a
// terminal session-expired event, and the handle transparently re-establishes
// a fresh session, emitting Expired followed by Connected.
func (c *Client) ExpireSession() {
	c.mu.Lock()
	old := c.session
	regs := c.regs
	c.regs = nil
	c.mu.Unlock()

	t := c.tree
	t.mu.Lock()
	for _, path := range t.collectEphemerals(old) {
		if t.lookup(path) != nil {
			t.deleteLocked(path)
		}
	}
	for _, reg := range regs {
		if reg.fired {
			continue
		}
		reg.fired = true
		reg.ch <- types.WatchEvent{Type: types.EventSessionExpired}
	}
	t.nextSession++
	fresh := t.nextSession
	t.mu.Unlock()

	c.mu.Lock()
	c.session = fresh
	c.state = types.StateConnected
	c.mu.Unlock()

	c.emit(types.StateExpired)
	c.emit(types.StateConnected)
}

// Close expires the session and rejects further calls on this handle.
func (c *Client) Close() {
	c.ExpireSession()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
