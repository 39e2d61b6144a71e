package connection

import (
	"bufio"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
)

// wrapDeflate replaces the connection's reader/writer with a deflate stream
// pair, negotiated via IDENTIFY's deflate/deflate_level fields (spec.md
// §4.3 step 4). Buffered on the read side since flate.Reader is not.
func (c *Connection) wrapDeflate(level int) error {
	fw, err := flate.NewWriter(c.rawWriter(), level)
	if err != nil {
		return err
	}
	c.writer = fw
	c.flusher = fw
	c.reader = bufio.NewReader(flate.NewReader(c.rawReader()))
	return nil
}

// wrapSnappy replaces the connection's reader/writer with a snappy stream
// pair, negotiated via IDENTIFY's snappy field.
func (c *Connection) wrapSnappy() error {
	sw := snappy.NewBufferedWriter(c.rawWriter())
	c.writer = sw
	c.flusher = sw
	c.reader = bufio.NewReader(snappy.NewReader(c.rawReader()))
	return nil
}

// flusher is satisfied by compressed stream writers that buffer internally
// and need an explicit Flush after every command (spec.md §4.3's write
// loop: "flush after every command").
type flusher interface {
	Flush() error
}

// noopFlusher backs c.flusher when no compression is negotiated; the plain
// net.Conn writer needs no flush.
type noopFlusher struct{}

func (noopFlusher) Flush() error { return nil }
