package types

import (
	"strings"
	"testing"
)

func TestLockModePrefix(t *testing.T) {
	tests := []struct {
		mode LockMode
		want string
	}{
		{ModeExclusive, "lock"},
		{ModeRead, "read"},
		{ModeWrite, "write"},
		{LockMode(99), "lock"},
	}
	for _, tt := range tests {
		if got := tt.mode.Prefix(); got != tt.want {
			t.Errorf("Prefix(%v) = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestLockNodePrefix(t *testing.T) {
	got := LockNodePrefix(ModeRead, "abc-123")
	want := "read-abc-123-"
	if got != want {
		t.Errorf("LockNodePrefix = %q, want %q", got, want)
	}
	if !strings.HasSuffix(got, "-") {
		t.Errorf("prefix must end in the sequence separator")
	}
}

func TestParseLockNode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  LockNode
		ok    bool
	}{
		{
			name:  "exclusive",
			input: "lock-tok-0000000003",
			want:  LockNode{Name: "lock-tok-0000000003", Mode: ModeExclusive, Token: "tok", Sequence: 3},
			ok:    true,
		},
		{
			name:  "read",
			input: "read-tok-0000000010",
			want:  LockNode{Name: "read-tok-0000000010", Mode: ModeRead, Token: "tok", Sequence: 10},
			ok:    true,
		},
		{
			name:  "write",
			input: "write-tok-0000000000",
			want:  LockNode{Name: "write-tok-0000000000", Mode: ModeWrite, Token: "tok", Sequence: 0},
			ok:    true,
		},
		{
			name:  "token with dashes",
			input: "lock-9f1c-22aa-bb07-0000000042",
			want:  LockNode{Name: "lock-9f1c-22aa-bb07-0000000042", Mode: ModeExclusive, Token: "9f1c-22aa-bb07", Sequence: 42},
			ok:    true,
		},
		{name: "unknown prefix", input: "lease-tok-0000000001"},
		{name: "no separators", input: "locktok0000000001"},
		{name: "single separator", input: "lock-0000000001"},
		{name: "non numeric suffix", input: "lock-tok-abc"},
		{name: "negative suffix", input: "lock-tok--5"},
		{name: "empty token", input: "lock--5"},
		{name: "token with leading dash", input: "lock--tok-0000000001"},
		{name: "empty", input: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLockNode(tt.input)
			if ok != tt.ok {
				t.Fatalf("ParseLockNode(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseLockNode(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLockNodesSortsAndFilters(t *testing.T) {
	names := []string{
		"write-b-0000000007",
		"garbage",
		"read-a-0000000002",
		"lock-c-0000000005",
		".lockdir-meta",
	}
	nodes := ParseLockNodes(names)
	if len(nodes) != 3 {
		t.Fatalf("expected 3 parsed nodes, got %d", len(nodes))
	}
	wantOrder := []int{2, 5, 7}
	for i, seq := range wantOrder {
		if nodes[i].Sequence != seq {
			t.Errorf("nodes[%d].Sequence = %d, want %d", i, nodes[i].Sequence, seq)
		}
	}
}

func TestBlocksMode(t *testing.T) {
	tests := []struct {
		holder LockMode
		waiter LockMode
		want   bool
	}{
		{ModeRead, ModeRead, false},
		{ModeRead, ModeWrite, true},
		{ModeRead, ModeExclusive, true},
		{ModeWrite, ModeRead, true},
		{ModeWrite, ModeWrite, true},
		{ModeExclusive, ModeRead, true},
		{ModeExclusive, ModeExclusive, true},
	}
	for _, tt := range tests {
		n := LockNode{Mode: tt.holder}
		if got := n.BlocksMode(tt.waiter); got != tt.want {
			t.Errorf("%v.BlocksMode(%v) = %v, want %v", tt.holder, tt.waiter, got, tt.want)
		}
	}
}
