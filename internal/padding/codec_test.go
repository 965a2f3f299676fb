package padding

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterFramesFirstMessage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, func() int { return 2 })
	w.source = func(n int) ([]byte, error) { return bytes.Repeat([]byte{0xFF}, n), nil }

	n, err := w.Write([]byte("ABC"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []byte{0x00, 0x03, 0x02, 'A', 'B', 'C', 0xFF, 0xFF}, buf.Bytes())
}

func TestWriterStopsFramingAfterMaxFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, func() int { return 0 })
	w.source = func(n int) ([]byte, error) { return nil, nil }

	for i := 0; i < MaxFrames; i++ {
		_, err := w.Write([]byte("x"))
		require.NoError(t, err)
	}
	buf.Reset()

	_, err := w.Write([]byte("passthrough"))
	require.NoError(t, err)
	require.Equal(t, []byte("passthrough"), buf.Bytes())
}

func TestReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, func() int { return 5 })
	w.source = func(n int) ([]byte, error) { return bytes.Repeat([]byte{0xAA}, n), nil }

	messages := [][]byte{[]byte("hello"), []byte("world"), []byte("!")}
	for _, m := range messages {
		_, err := w.Write(m)
		require.NoError(t, err)
	}

	r := NewReader(&buf)
	for _, want := range messages {
		got := make([]byte, len(want))
		_, err := io.ReadFull(r, got)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestReaderPassthroughAfterMaxFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, func() int { return 0 })
	w.source = func(n int) ([]byte, error) { return nil, nil }
	for i := 0; i < MaxFrames; i++ {
		_, err := w.Write([]byte{byte(i)})
		require.NoError(t, err)
	}
	buf.Write([]byte("raw"))

	r := NewReader(&buf)
	for i := 0; i < MaxFrames; i++ {
		b := make([]byte, 1)
		_, err := io.ReadFull(r, b)
		require.NoError(t, err)
		require.Equal(t, byte(i), b[0])
	}
	rest := make([]byte, 3)
	_, err := io.ReadFull(r, rest)
	require.NoError(t, err)
	require.Equal(t, []byte("raw"), rest)
}

func TestReaderHandlesShortCallerBuffers(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, func() int { return 1 })
	w.source = func(n int) ([]byte, error) { return bytes.Repeat([]byte{0x11}, n), nil }
	_, err := w.Write([]byte("payload-bytes"))
	require.NoError(t, err)

	r := NewReader(&buf)
	var got bytes.Buffer
	small := make([]byte, 4)
	for got.Len() < len("payload-bytes") {
		n, err := r.Read(small)
		require.NoError(t, err)
		got.Write(small[:n])
	}
	require.Equal(t, "payload-bytes", got.String())
}
