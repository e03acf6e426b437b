// session_test.go - control-message routing and tag/recipient helper tests.
package client

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/nymtech/nym-sub004/reply"
	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/wire"
)

// fakeMixHopSender is a minimal reply.MixHopSender double recording every
// fresh-SURB batch handed to it.
type fakeMixHopSender struct {
	batches []struct {
		tag   types.AnonymousSenderTag
		surbs []types.ReplySURB
	}
}

func (f *fakeMixHopSender) SendReplyChunk(types.AnonymousSenderTag, types.ReplySURB, []byte) error {
	return nil
}

func (f *fakeMixHopSender) SendFreshSurbs(tag types.AnonymousSenderTag, surbs []types.ReplySURB) error {
	f.batches = append(f.batches, struct {
		tag   types.AnonymousSenderTag
		surbs []types.ReplySURB
	}{tag, surbs})
	return nil
}

func newTestSession(t *testing.T) (*Session, reply.SurbsStorage, *fakeMixHopSender) {
	t.Helper()
	surbs := reply.NewMemSurbsStorage(time.Hour, 0)
	keys := reply.NewMemReplyKeysStorage(time.Hour)
	sender := &fakeMixHopSender{}
	c := reply.New(reply.DefaultConfig(), surbs, keys, sender, time.Hour)
	c.Start()
	t.Cleanup(c.Halt)
	return &Session{controller: c, surbs: surbs, keys: keys}, surbs, sender
}

// flushController blocks until every message enqueued on the session's
// controller so far has been processed.
func flushController(s *Session) {
	done := make(chan int, 1)
	s.controller.LaneQueueLengthAsync(reply.LaneQueueLength{Response: done})
	<-done
}

// recipientFromTag reconstructs enough of a Recipient that re-deriving a tag
// from it (identity_key's leading bytes) yields the original tag back.
func TestRecipientFromTagRoundTrips(t *testing.T) {
	tag := types.NewAnonymousSenderTag()
	r := recipientFromTag(tag)

	var got types.AnonymousSenderTag
	copy(got[:], r.IdentityKey())
	require.Equal(t, tag, got)
}

// tagFromSURB is deterministic: the same SURB bytes always derive the same
// bookkeeping tag, and distinct SURBs derive distinct tags.
func TestTagFromSURBIsDeterministic(t *testing.T) {
	a := types.NewReplySURB([]byte("surb-a"))
	b := types.NewReplySURB([]byte("surb-b"))

	require.Equal(t, tagFromSURB(a), tagFromSURB(a))
	require.NotEqual(t, tagFromSURB(a), tagFromSURB(b))
}

// A decoded ControlKindSurbBatch payload is routed to the reply controller
// as an AdditionalSurbs message instead of ever reaching the application
// consumer.
func TestHandleReceivedRoutesSurbBatchToController(t *testing.T) {
	s, surbs, _ := newTestSession(t)

	seedSURB := types.NewReplySURB([]byte("seed"))
	tag := tagFromSURB(seedSURB)

	fresh := []types.ReplySURB{
		types.NewReplySURB([]byte("fresh-1")),
		types.NewReplySURB([]byte("fresh-2")),
	}
	payload := reply.EncodeSurbBatch(fresh, false)

	s.handleReceived(&wire.ReceivedResponse{SURB: &seedSURB, Message: payload})
	flushController(s)

	require.Equal(t, 1+len(fresh), surbs.Len(tag), "the seed SURB plus the two freshly delivered ones")
}

// A decoded ControlKindSurbRequest is routed to the controller as an
// AdditionalSurbsRequest keyed by the reconstructed Recipient, which
// services it by handing back a SendFreshSurbs batch.
func TestHandleReceivedRoutesSurbRequestToController(t *testing.T) {
	s, surbs, sender := newTestSession(t)

	seedSURB := types.NewReplySURB([]byte("seed"))
	tag := tagFromSURB(seedSURB)
	// The controller only services requests from a recipient it already has
	// a storage entry for; the seed SURB delivered alongside the request
	// establishes that entry exactly as a real inbound reply would.
	surbs.InsertSurbs(tag, nil)

	payload, err := cbor.Marshal(reply.ControlMessage{Kind: reply.ControlKindSurbRequest, Amount: 10})
	require.NoError(t, err)

	s.handleReceived(&wire.ReceivedResponse{SURB: &seedSURB, Message: payload})
	flushController(s)

	require.Len(t, sender.batches, 1)
	require.Equal(t, 10, len(sender.batches[0].surbs))
}
