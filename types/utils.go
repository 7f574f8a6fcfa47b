package types

import (
	"sort"
	"strconv"
	"strings"
)

// Lock node names have the form <prefix>-<token>-<sequence>. The prefix
// encodes the mode, the token re-identifies the creating client after a lost
// create, and the sequence is the zero-padded decimal suffix appended by the
// coordination service.

const (
	prefixExclusive = "lock"
	prefixRead      = "read"
	prefixWrite     = "write"
)

// Prefix returns the node-name prefix used for lock requests of this mode.
func (m LockMode) Prefix() string {
	switch m {
	case ModeRead:
		return prefixRead
	case ModeWrite:
		return prefixWrite
	default:
		return prefixExclusive
	}
}

// LockNodePrefix builds the name prefix handed to a sequential create for a
// lock request, ending in the separator the service appends the sequence to.
func LockNodePrefix(mode LockMode, token string) string {
	return mode.Prefix() + "-" + token + "-"
}

// LockNode is a parsed lock-request child name.
type LockNode struct {
	Name     string
	Mode     LockMode
	Token    string
	Sequence int
}

// ParseLockNode decodes a child name into its mode, token and sequence.
// Names that do not carry a known mode prefix or a numeric suffix are not
// lock requests and are reported as not ok. The token itself may contain
// dashes, so only the first and last separators are structural.
func ParseLockNode(name string) (LockNode, bool) {
	first := strings.Index(name, "-")
	last := strings.LastIndex(name, "-")
	if first < 0 || last <= first {
		return LockNode{}, false
	}

	var mode LockMode
	switch name[:first] {
	case prefixExclusive:
		mode = ModeExclusive
	case prefixRead:
		mode = ModeRead
	case prefixWrite:
		mode = ModeWrite
	default:
		return LockNode{}, false
	}

	seq, err := strconv.Atoi(name[last+1:])
	if err != nil || seq < 0 {
		return LockNode{}, false
	}

	// An empty segment next to either separator means the name was not
	// produced by this codec.
	token := name[first+1 : last]
	if token == "" || token[0] == '-' || token[len(token)-1] == '-' {
		return LockNode{}, false
	}

	return LockNode{
		Name:     name,
		Mode:     mode,
		Token:    token,
		Sequence: seq,
	}, true
}

// ParseLockNodes decodes a children listing, skipping names that are not
// lock requests, and returns the result ordered by ascending sequence.
func ParseLockNodes(names []string) []LockNode {
	nodes := make([]LockNode, 0, len(names))
	for _, name := range names {
		if n, ok := ParseLockNode(name); ok {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Sequence < nodes[j].Sequence
	})
	return nodes
}

// BlocksMode reports whether a request of this node's mode blocks a later
// request of mode m: reads block only writers and exclusive requests, while
// writers and exclusive requests block everything behind them.
func (n LockNode) BlocksMode(m LockMode) bool {
	if m == ModeRead {
		return n.Mode == ModeWrite || n.Mode == ModeExclusive
	}
	return true
}
