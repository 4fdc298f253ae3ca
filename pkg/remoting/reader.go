package remoting

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// countingReader tracks the bytes consumed so value lengths can be checked.
// It reads single bytes straight from the source, so nothing is buffered
// past the current value.
type countingReader struct {
	r   io.Reader
	br  io.ByteReader
	n   int64
	one [1]byte
}

func newCountingReader(r io.Reader) *countingReader {
	c := &countingReader{r: r}
	c.br, _ = r.(io.ByteReader)
	return c
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	if c.br != nil {
		b, err := c.br.ReadByte()
		if err == nil {
			c.n++
		}
		return b, err
	}
	if _, err := io.ReadFull(c.r, c.one[:]); err != nil {
		return 0, err
	}
	c.n++
	return c.one[0], nil
}

// readUTF8 reads a string with a 16-bit length prefix
func readUTF8(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("failed to read string length: %w", amf.ReadError(err))
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", fmt.Errorf("failed to read string: %w", amf.ReadError(err))
	}
	return string(data), nil
}

// writeUTF8 writes a string with a 16-bit length prefix
func writeUTF8(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: %d byte name", amf.ErrOverflow, len(s))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}
