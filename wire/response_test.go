// response_test.go - server response codec tests.
package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/xerrors"
)

// ServerResponse::Error{kind=UnknownRequest, msg="foomp message"} round-trips.
func TestErrorResponseRoundTrip(t *testing.T) {
	resp := &ServerResponse{Error: &ErrorResponse{
		Kind:    xerrors.UnknownRequest,
		Message: "foomp message",
	}}
	raw := resp.Marshal()
	got, err := UnmarshalServerResponse(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	require.Equal(t, xerrors.UnknownRequest, got.Error.Kind)
	require.Equal(t, "foomp message", got.Error.Message)
}

func TestReceivedResponseRoundTripWithSurb(t *testing.T) {
	surb := types.NewReplySURB([]byte{9, 8, 7})
	resp := &ServerResponse{Received: &ReceivedResponse{
		SURB:    &surb,
		Message: []byte("hello"),
	}}
	raw := resp.Marshal()
	got, err := UnmarshalServerResponse(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Received)
	require.NotNil(t, got.Received.SURB)
	require.Equal(t, surb.ToBase58(), got.Received.SURB.ToBase58())
	require.Equal(t, []byte("hello"), got.Received.Message)
}

func TestReceivedResponseRoundTripWithoutSurb(t *testing.T) {
	resp := &ServerResponse{Received: &ReceivedResponse{Message: []byte("hello")}}
	raw := resp.Marshal()
	got, err := UnmarshalServerResponse(raw)
	require.NoError(t, err)
	require.Nil(t, got.Received.SURB)
	require.Equal(t, []byte("hello"), got.Received.Message)
}

func TestSelfAddressResponseRoundTrip(t *testing.T) {
	resp := &ServerResponse{SelfAddress: &SelfAddressResponse{Recipient: testRecipient()}}
	raw := resp.Marshal()
	got, err := UnmarshalServerResponse(raw)
	require.NoError(t, err)
	require.Equal(t, testRecipient(), got.SelfAddress.Recipient)
}

func TestEmptyResponse(t *testing.T) {
	_, err := UnmarshalServerResponse(nil)
	require.True(t, xerrors.IsCodecKind(err, xerrors.EmptyResponse))
}

func TestUnknownResponseTag(t *testing.T) {
	_, err := UnmarshalServerResponse([]byte{0xFF})
	require.True(t, xerrors.IsCodecKind(err, xerrors.UnknownResponse))
}

func TestErrorResponseUnknownCode(t *testing.T) {
	raw := []byte{ErrorTag, 0xFF, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := UnmarshalServerResponse(raw)
	require.True(t, xerrors.IsCodecKind(err, xerrors.MalformedResponse))
}
