package relay

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/danmuck/relaychat/internal/protocol/frame"
	"github.com/danmuck/relaychat/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloValidate(t *testing.T) {
	testlog.Start(t)
	require.NoError(t, Hello{Identity: "alice", Version: ProtocolVersion}.Validate())
	require.ErrorIs(t, Hello{Version: ProtocolVersion}.Validate(), ErrInvalidHello)
	require.ErrorIs(t, Hello{Identity: "alice", Version: 9}.Validate(), ErrInvalidHello)
}

func TestHelloAckValidate(t *testing.T) {
	testlog.Start(t)
	ok := HelloAck{Status: AckStatusAccepted, Identity: "alice", SessionID: "s1", TimestampMS: 1}
	require.NoError(t, ok.Validate())
	require.NoError(t, ok.Err())

	noSession := ok
	noSession.SessionID = ""
	require.ErrorIs(t, noSession.Validate(), ErrInvalidHelloAck)

	rejected := HelloAck{Status: AckStatusRejected, Code: CodeUnauthorized, Message: "unauthorized", Identity: "alice", TimestampMS: 1}
	require.NoError(t, rejected.Validate())
	assert.False(t, rejected.Accepted())
	require.ErrorIs(t, rejected.Err(), ErrRejected)

	require.ErrorIs(t, HelloAck{Status: "maybe", Identity: "alice", TimestampMS: 1}.Validate(), ErrInvalidHelloAck)
}

func TestHelloFrameCarriesTokenInAuth(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	in := Hello{Identity: "alice", Token: "s3cret", Codec: "cbor", Client: "chatctl", Version: ProtocolVersion}
	require.NoError(t, WriteHelloFrame(&buf, in))
	assert.NotContains(t, buf.String(), `"token"`)

	out, err := ReadHelloFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHelloAckFrameFlagsRejection(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	ack := HelloAck{Status: AckStatusRejected, Code: CodeUnsupportedCodec, Message: "unsupported codec", Identity: "alice", TimestampMS: 5}
	require.NoError(t, WriteHelloAckFrame(&buf, ack))

	f, err := frame.ReadFrame(bufio.NewReader(bytes.NewReader(buf.Bytes())), frame.DefaultLimits())
	require.NoError(t, err)
	assert.NotZero(t, f.Header.Flags&frame.FlagIsError)

	got, err := ReadHelloAckFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, ack, got)
}

func TestReadHelloFrameRejectsWrongType(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	require.NoError(t, frame.WriteFrame(&buf, frame.New(1, frame.TypeEnvelope, 0, []byte("{}")), frame.DefaultLimits()))
	_, err := ReadHelloFrame(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrInvalidHello)
	require.ErrorIs(t, err, frame.ErrUnexpectedFrameType)
}
