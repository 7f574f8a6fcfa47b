package lock

import (
	"context"
	"testing"

	"github.com/jathurchan/treekeeper/testutil"
)

func TestDecodeSignalEmptyData(t *testing.T) {
	sig, err := DecodeSignal(nil)
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, sig.Requested)
	testutil.AssertFalse(t, sig.Immediate)
}

func TestDecodeSignalMalformed(t *testing.T) {
	_, err := DecodeSignal([]byte("{not json"))
	testutil.AssertError(t, err)
}

func TestSignalRoundTrip(t *testing.T) {
	data, err := EncodeSignal(RevocationSignal{Requested: true, Immediate: true})
	testutil.RequireNoError(t, err)
	sig, err := DecodeSignal(data)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, sig.Requested)
	testutil.AssertTrue(t, sig.Immediate)
}

func TestMalformedPayloadDoesNotRevoke(t *testing.T) {
	f := newFixture(t)
	holder := f.exclusive(f.client())

	g, err := holder.Acquire(context.Background(), true)
	testutil.RequireNoError(t, err)
	testutil.RequireTrue(t, g)

	holder.mu.Lock()
	nodePath := holder.nodePath
	holder.mu.Unlock()

	holder.applySignal(nodePath, []byte("garbage"))
	testutil.AssertFalse(t, holder.Revoked())
	testutil.AssertTrue(t, holder.HasLock())
}
