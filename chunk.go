package accurion

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

// maxChunkLength is the largest length a PNG chunk may declare.
const maxChunkLength = 1<<31 - 1

// chunkReader reads sequentially from a container stream and tracks the byte offset
// relative to the start of the stream.
type chunkReader struct {
	br  *bufio.Reader
	off int64
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{br: bufio.NewReader(r)}
}

func (cr *chunkReader) readFull(buf []byte) error {
	n, err := io.ReadFull(cr.br, buf)
	cr.off += int64(n)
	return err
}

func (cr *chunkReader) readByte() (byte, error) {
	b, err := cr.br.ReadByte()
	if err != nil {
		return 0, err
	}
	cr.off++
	return b, nil
}

// readChunkPrefix reads the length and type tag of the next chunk.
func (cr *chunkReader) readChunkPrefix() (uint32, string, error) {
	var buf [chunkPrefixSize]byte
	if err := cr.readFull(buf[:]); err != nil {
		return 0, "", err
	}
	return binary.BigEndian.Uint32(buf[:4]), string(buf[4:8]), nil
}

// readN reads exactly n bytes. The buffer grows with the data actually read, so a bogus
// length on a short stream fails with io.ErrUnexpectedEOF instead of a huge allocation.
func (cr *chunkReader) readN(n int64) ([]byte, error) {
	var buf bytes.Buffer
	copied, err := io.CopyN(&buf, cr.br, n)
	cr.off += copied
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

func (cr *chunkReader) discardN(n int64) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, cr.br, n)
	cr.off += copied
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
