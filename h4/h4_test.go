package h4

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameAssemble(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
		want   [][]byte
	}{
		{
			"command in one piece",
			[][]byte{{0x01, 0x03, 0x0C, 0x00}},
			[][]byte{{0x01, 0x03, 0x0C, 0x00}},
		},
		{
			"acl split",
			[][]byte{{0x02, 0x40, 0x00}, {0x03, 0x00, 0xAA}, {0xBB, 0xCC}},
			[][]byte{{0x02, 0x40, 0x00, 0x03, 0x00, 0xAA, 0xBB, 0xCC}},
		},
		{
			"two packets in one read",
			[][]byte{{0x01, 0x01, 0x20, 0x01, 0x05, 0x02, 0x01, 0x00, 0x00, 0x00}},
			[][]byte{{0x01, 0x01, 0x20, 0x01, 0x05}, {0x02, 0x01, 0x00, 0x00, 0x00}},
		},
		{
			"garbage before indicator",
			[][]byte{{0xFF, 0x00, 0x01, 0x03, 0x0C, 0x00}},
			[][]byte{{0x01, 0x03, 0x0C, 0x00}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := make(chan []byte, 8)
			f := newFrame(c)
			for _, b := range tt.chunks {
				f.Assemble(b)
			}
			require.Len(t, c, len(tt.want))
			for _, w := range tt.want {
				assert.Equal(t, w, <-c)
			}
		})
	}
}

type pipeRWC struct {
	*io.PipeReader
	w bytes.Buffer
}

func (p *pipeRWC) Write(b []byte) (int, error) { return p.w.Write(b) }

func TestPort(t *testing.T) {
	pr, pw := io.Pipe()
	rwc := &pipeRWC{PipeReader: pr}
	p := NewPort(rwc)
	p.ReadTimeout = 50 * time.Millisecond

	go func() {
		_, _ = pw.Write([]byte{0x01, 0x03, 0x0C})
		_, _ = pw.Write([]byte{0x00})
	}()

	b := make([]byte, 64)
	n, err := p.Read(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x03, 0x0C, 0x00}, b[:n])

	_, err = p.Read(b)
	assert.Equal(t, ErrTimeout, err)

	_, err = p.Write([]byte{0x04, 0x0E, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x0E, 0x00}, rwc.w.Bytes())

	require.NoError(t, p.Close())
	_, err = p.Read(b)
	assert.Equal(t, io.EOF, err)
	_ = pw.Close()
}
