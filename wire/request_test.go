// request_test.go - codec round-trip and rejection tests.
package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/xerrors"
)

func testRecipient() types.Recipient {
	var r types.Recipient
	for i := range r {
		r[i] = byte(i)
	}
	return r
}

// Send{recipient=R, data=b"foomp", with_reply_surb=false} round-trips.
func TestSendRoundTrip(t *testing.T) {
	req := &ClientRequest{Send: &SendRequest{
		WithReplySURB: false,
		Recipient:     testRecipient(),
		Data:          []byte("foomp"),
	}}
	raw := req.Marshal()
	got, err := UnmarshalClientRequest(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Send)
	require.Equal(t, req.Send.WithReplySURB, got.Send.WithReplySURB)
	require.Equal(t, req.Send.Recipient, got.Send.Recipient)
	require.Equal(t, req.Send.Data, got.Send.Data)
}

// Send bytes truncated by one byte -> MalformedRequest "inconsistent length".
func TestSendTruncatedByOneByte(t *testing.T) {
	req := &ClientRequest{Send: &SendRequest{
		WithReplySURB: false,
		Recipient:     testRecipient(),
		Data:          []byte("foomp"),
	}}
	raw := req.Marshal()
	truncated := raw[:len(raw)-1]
	_, err := UnmarshalClientRequest(truncated)
	require.Error(t, err)
	require.True(t, xerrors.IsCodecKind(err, xerrors.MalformedRequest))
	require.Contains(t, err.Error(), "inconsistent length")
}

// Reply{msg=b"foomp", surb=S} round-trip; recovered surb.to_base58() equals original.
func TestReplyRoundTrip(t *testing.T) {
	surb := types.NewReplySURB([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	req := &ClientRequest{Reply: &ReplyRequest{
		SURB:    surb,
		Message: []byte("foomp"),
	}}
	raw := req.Marshal()
	got, err := UnmarshalClientRequest(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Reply)
	require.Equal(t, surb.ToBase58(), got.Reply.SURB.ToBase58())
	require.Equal(t, req.Reply.Message, got.Reply.Message)
}

func TestSelfAddressRequestRoundTrip(t *testing.T) {
	req := &ClientRequest{SelfAddress: &SelfAddressRequest{}}
	raw := req.Marshal()
	require.Equal(t, []byte{SelfAddressTag}, raw)
	got, err := UnmarshalClientRequest(raw)
	require.NoError(t, err)
	require.NotNil(t, got.SelfAddress)
}

func TestEmptyRequest(t *testing.T) {
	_, err := UnmarshalClientRequest(nil)
	require.True(t, xerrors.IsCodecKind(err, xerrors.EmptyRequest))
}

func TestUnknownRequestTag(t *testing.T) {
	_, err := UnmarshalClientRequest([]byte{0xFF})
	require.True(t, xerrors.IsCodecKind(err, xerrors.UnknownRequest))
}

func TestSendInvalidFlag(t *testing.T) {
	req := &ClientRequest{Send: &SendRequest{Recipient: testRecipient(), Data: []byte("x")}}
	raw := req.Marshal()
	raw[1] = 7 // corrupt the with_reply_surb flag
	_, err := UnmarshalClientRequest(raw)
	require.True(t, xerrors.IsCodecKind(err, xerrors.MalformedRequest))
}

func TestReplyTooShort(t *testing.T) {
	_, err := UnmarshalClientRequest([]byte{ReplyTag, 0, 0})
	require.True(t, xerrors.IsCodecKind(err, xerrors.TooShortRequest))
}

func TestReplySurbLenOutOfBounds(t *testing.T) {
	req := &ClientRequest{Reply: &ReplyRequest{
		SURB:    types.NewReplySURB([]byte{1, 2, 3}),
		Message: []byte("hi"),
	}}
	raw := req.Marshal()
	// Inflate the declared surb_len beyond what could possibly fit.
	raw[1] = 0xFF
	_, err := UnmarshalClientRequest(raw)
	require.True(t, xerrors.IsCodecKind(err, xerrors.MalformedRequest))
}
