package memfacade

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jathurchan/treekeeper/facade"
	"github.com/jathurchan/treekeeper/testutil"
	"github.com/jathurchan/treekeeper/types"
)

func setup(t *testing.T) (*Tree, *Client) {
	t.Helper()
	tree := NewTree()
	client := tree.Connect()
	t.Cleanup(client.Close)
	return tree, client
}

func TestCreateAndGetData(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	path, err := c.Create(ctx, "/app", []byte("v1"), 0)
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, "/app", path)

	data, stat, _, err := c.GetData(ctx, "/app", false)
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, []byte("v1"), data)
	testutil.AssertEqual(t, int32(0), stat.Version)

	_, err = c.Create(ctx, "/app", nil, 0)
	testutil.AssertErrorIs(t, err, facade.ErrNodeExists)
}

func TestCreateMissingParent(t *testing.T) {
	_, c := setup(t)
	_, err := c.Create(context.Background(), "/missing/child", nil, 0)
	testutil.AssertErrorIs(t, err, facade.ErrNoNode)
}

func TestSequentialCreateAssignsIncreasingSuffixes(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/locks", nil, 0)
	testutil.RequireNoError(t, err)

	first, err := c.Create(ctx, "/locks/req-", nil, facade.FlagSequential)
	testutil.RequireNoError(t, err)
	second, err := c.Create(ctx, "/locks/req-", nil, facade.FlagSequential)
	testutil.RequireNoError(t, err)

	testutil.AssertEqual(t, "/locks/req-0000000000", first)
	testutil.AssertEqual(t, "/locks/req-0000000001", second)

	children, _, _, err := c.GetChildren(ctx, "/locks", false)
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, []string{"req-0000000000", "req-0000000001"}, children)
}

func TestDelete(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/a", nil, 0)
	testutil.RequireNoError(t, err)
	_, err = c.Create(ctx, "/a/b", nil, 0)
	testutil.RequireNoError(t, err)

	testutil.AssertErrorIs(t, c.Delete(ctx, "/a"), facade.ErrNotEmpty)
	testutil.AssertNoError(t, c.Delete(ctx, "/a/b"))
	testutil.AssertNoError(t, c.Delete(ctx, "/a"))
	testutil.AssertErrorIs(t, c.Delete(ctx, "/a"), facade.ErrNoNode)
}

func TestSetDataBumpsVersionAndMtime(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/cfg", []byte("v1"), 0)
	testutil.RequireNoError(t, err)

	_, before, _, err := c.GetData(ctx, "/cfg", false)
	testutil.RequireNoError(t, err)

	after, err := c.SetData(ctx, "/cfg", []byte("v2"))
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, before.Version+1, after.Version)
	testutil.AssertTrue(t, after.Mtime > before.Mtime, "mtime must advance on every write")
}

func TestDataWatchIsOneShot(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/w", nil, 0)
	testutil.RequireNoError(t, err)

	_, _, events, err := c.GetData(ctx, "/w", true)
	testutil.RequireNoError(t, err)

	_, err = c.SetData(ctx, "/w", []byte("x"))
	testutil.RequireNoError(t, err)
	_, err = c.SetData(ctx, "/w", []byte("y"))
	testutil.RequireNoError(t, err)

	select {
	case ev := <-events:
		testutil.AssertEqual(t, types.EventDataChanged, ev.Type)
		testutil.AssertEqual(t, "/w", ev.Path)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
	select {
	case ev := <-events:
		t.Fatalf("one-shot watch fired twice: %+v", ev)
	default:
	}
}

func TestChildWatchFiresOnCreateAndDelete(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/dir", nil, 0)
	testutil.RequireNoError(t, err)

	_, _, events, err := c.GetChildren(ctx, "/dir", true)
	testutil.RequireNoError(t, err)
	_, err = c.Create(ctx, "/dir/x", nil, 0)
	testutil.RequireNoError(t, err)
	ev := <-events
	testutil.AssertEqual(t, types.EventChildrenChanged, ev.Type)

	_, _, events, err = c.GetChildren(ctx, "/dir", true)
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, c.Delete(ctx, "/dir/x"))
	ev = <-events
	testutil.AssertEqual(t, types.EventChildrenChanged, ev.Type)
}

func TestChildWatchOnDeletedNodeFires(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/dir", nil, 0)
	testutil.RequireNoError(t, err)

	_, _, events, err := c.GetChildren(ctx, "/dir", true)
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, c.Delete(ctx, "/dir"))
	ev := <-events
	testutil.AssertEqual(t, types.EventNodeDeleted, ev.Type)
	testutil.AssertEqual(t, "/dir", ev.Path)
}

func TestExistsWatchOnAbsentNode(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	stat, events, err := c.Exists(ctx, "/later", true)
	testutil.RequireNoError(t, err)
	testutil.AssertNil(t, stat)

	_, err = c.Create(ctx, "/later", nil, 0)
	testutil.RequireNoError(t, err)
	ev := <-events
	testutil.AssertEqual(t, types.EventNodeCreated, ev.Type)
	testutil.AssertEqual(t, "/later", ev.Path)
}

func TestExistsWatchFiresOnDelete(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/gone", nil, 0)
	testutil.RequireNoError(t, err)

	stat, events, err := c.Exists(ctx, "/gone", true)
	testutil.RequireNoError(t, err)
	testutil.RequireNotNil(t, stat)

	testutil.RequireNoError(t, c.Delete(ctx, "/gone"))
	ev := <-events
	testutil.AssertEqual(t, types.EventNodeDeleted, ev.Type)
}

func TestKillConnectionFailsCallsUntilRestore(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/n", nil, 0)
	testutil.RequireNoError(t, err)

	c.KillConnection()
	testutil.AssertEqual(t, types.StateDisconnected, c.State())
	_, _, _, err = c.GetData(ctx, "/n", false)
	testutil.AssertErrorIs(t, err, facade.ErrConnectionLoss)

	c.Restore()
	testutil.AssertEqual(t, types.StateConnected, c.State())
	_, _, _, err = c.GetData(ctx, "/n", false)
	testutil.AssertNoError(t, err)
}

func TestWatchEventsDroppedWhileDisconnected(t *testing.T) {
	tree, c := setup(t)
	other := tree.Connect()
	defer other.Close()
	ctx := context.Background()

	_, err := c.Create(ctx, "/n", nil, 0)
	testutil.RequireNoError(t, err)
	_, _, events, err := c.GetData(ctx, "/n", true)
	testutil.RequireNoError(t, err)

	c.KillConnection()
	_, err = other.SetData(ctx, "/n", []byte("x"))
	testutil.RequireNoError(t, err)
	c.Restore()

	select {
	case ev := <-events:
		t.Fatalf("event delivered across an outage: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpireSessionRemovesEphemeralsAndNotifies(t *testing.T) {
	tree, c := setup(t)
	other := tree.Connect()
	defer other.Close()
	ctx := context.Background()

	_, err := c.Create(ctx, "/locks", nil, 0)
	testutil.RequireNoError(t, err)
	_, err = c.Create(ctx, "/locks/mine", nil, facade.FlagEphemeral)
	testutil.RequireNoError(t, err)
	_, err = other.Create(ctx, "/locks/theirs", nil, facade.FlagEphemeral)
	testutil.RequireNoError(t, err)

	_, _, watch, err := c.GetData(ctx, "/locks/theirs", true)
	testutil.RequireNoError(t, err)

	events, cancel := c.SubscribeSession()
	defer cancel()

	before := c.SessionID()
	c.ExpireSession()
	testutil.AssertTrue(t, c.SessionID() != before, "a fresh session must be established")

	ev := <-events
	testutil.AssertEqual(t, types.StateExpired, ev.State)
	ev = <-events
	testutil.AssertEqual(t, types.StateConnected, ev.State)

	we := <-watch
	testutil.AssertEqual(t, types.EventSessionExpired, we.Type)

	children, _, _, err := other.GetChildren(ctx, "/locks", false)
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, []string{"theirs"}, children)
}

func TestExpireSessionFiresSiblingWatches(t *testing.T) {
	tree, c := setup(t)
	other := tree.Connect()
	defer other.Close()
	ctx := context.Background()

	_, err := c.Create(ctx, "/locks", nil, 0)
	testutil.RequireNoError(t, err)
	mine, err := c.Create(ctx, "/locks/mine", nil, facade.FlagEphemeral)
	testutil.RequireNoError(t, err)

	stat, watch, err := other.Exists(ctx, mine, true)
	testutil.RequireNoError(t, err)
	testutil.RequireNotNil(t, stat)

	c.ExpireSession()
	ev := <-watch
	testutil.AssertEqual(t, types.EventNodeDeleted, ev.Type)
}

func TestClosedHandleRejectsCalls(t *testing.T) {
	tree := NewTree()
	c := tree.Connect()
	c.Close()

	_, err := c.Create(context.Background(), "/x", nil, 0)
	testutil.AssertErrorIs(t, err, facade.ErrClosed)
}

func TestEphemeralOwnerStat(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/e", nil, facade.FlagEphemeral)
	testutil.RequireNoError(t, err)

	_, stat, _, err := c.GetData(ctx, "/e", false)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, stat.IsEphemeral())
	testutil.AssertEqual(t, c.SessionID(), stat.EphemeralOwner)
}

func TestConcurrentSequentialCreates(t *testing.T) {
	tree, c := setup(t)
	ctx := context.Background()
	_, err := c.Create(ctx, "/locks", nil, 0)
	testutil.RequireNoError(t, err)

	const n = 8
	done := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			cl := tree.Connect()
			defer cl.Close()
			path, err := cl.Create(ctx, "/locks/req-", nil, facade.FlagSequential|facade.FlagEphemeral)
			if err != nil {
				done <- fmt.Sprintf("error: %v", err)
				return
			}
			done <- path
		}()
	}
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		path := <-done
		testutil.AssertFalse(t, seen[path], "sequence suffixes must be unique, got %s twice", path)
		seen[path] = true
	}
}
