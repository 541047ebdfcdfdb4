package fudi

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out at most n bytes per Read to simulate partial TCP reads
type chunkReader struct {
	data string
	n    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.data == "" {
		return 0, io.EOF
	}
	size := c.n
	if size > len(c.data) {
		size = len(c.data)
	}
	if size > len(p) {
		size = len(p)
	}
	copy(p, c.data[:size])
	c.data = c.data[size:]
	return size, nil
}

func TestDecoderHandlesPartialReads(t *testing.T) {
	stream := "1001 get selection;\n1002 set property Box Length 10;\n;\n1003 rec"
	dec := NewDecoder(&chunkReader{data: stream, n: 3})

	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Message{"1001", "get", "selection"}, msg)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "1002", msg.ID())
	assert.Equal(t, "set", msg.Verb())
	assert.Equal(t, []string{"property", "Box", "Length", "10"}, msg.Args())

	// empty message skipped, unterminated fragment dropped at EOF
	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderEscapes(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`0 say a\;b c\ d;`))
	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Message{"0", "say", "a;b", "c d"}, msg)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "0 close;\n", string(Encode("0", "close")))
	assert.Equal(t, "0 pd open a.pd /tmp;\n", string(Encode("0", "pd", "open", "a.pd", "/tmp")))
	assert.Equal(t, "1 x\\;y;\n", string(Encode("1", "x;y")))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	messages := []Message{
		{"0", `dir\`},
		{"1", "next"},
		{"0", "pd", "open", "osc.pd", "/tmp/my dir"},
		{"2", "tab\there", "line\nbreak", `a\;b`, "c,d", `\\`},
	}

	var stream []byte
	for _, msg := range messages {
		stream = append(stream, Encode(msg...)...)
	}

	dec := NewDecoder(&chunkReader{data: string(stream), n: 2})
	for _, want := range messages {
		got, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, "None"},
		{[]string{}, "None"},
		{[]string{"Box"}, "Box"},
		{[]string{"Box", "Cylinder"}, "list 2 Box Cylinder"},
		{[]interface{}{1, 2.5, true}, "list 3 1 2.5 True"},
		{false, "False"},
		{42, "42"},
		{3.0, "3"},
		{"a,b=c;(d)[e]{f}\"g'", "a b cdefg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in), "value %#v", tt.in)
	}
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle(func(_ context.Context, msg Message) (interface{}, error) {
		return msg.Args(), nil
	}, "echo", "repeat"))
	require.NoError(t, r.Handle(func(context.Context, Message) (interface{}, error) {
		return nil, errors.New("no such object")
	}, "fail"))
	require.NoError(t, r.Handle(func(context.Context, Message) (interface{}, error) {
		panic("boom")
	}, "panic"))
	require.Error(t, r.Handle(nil, "nil"))
	assert.Equal(t, 4, r.Verbs())

	ctx := context.Background()
	assert.Equal(t, Message{"7", "list 2 a b"}, r.Dispatch(ctx, Message{"7", "echo", "a", "b"}))
	assert.Equal(t, Message{"7", "x"}, r.Dispatch(ctx, Message{"7", "repeat", "x"}))
	assert.Equal(t, Message{"8", "ERROR", "no such object"}, r.Dispatch(ctx, Message{"8", "fail"}))
	assert.Equal(t, Message{"9", "ERROR", "boom"}, r.Dispatch(ctx, Message{"9", "panic"}))
	assert.Equal(t, Message{"9", "ERROR", "missing verb"}, r.Dispatch(ctx, Message{"9"}))
	assert.Equal(t, Message{"10", "None"}, r.Dispatch(ctx, Message{"10", "unknown"}))

	r.SetDefault(func(context.Context, Message) (interface{}, error) { return "fallback", nil })
	assert.Equal(t, Message{"10", "fallback"}, r.Dispatch(ctx, Message{"10", "unknown"}))
}
