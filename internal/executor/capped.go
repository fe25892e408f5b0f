package executor

import "bytes"

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest, so a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int64
	dropped int64
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - int64(c.buf.Len())
	if room <= 0 {
		c.dropped += int64(len(p))
		return len(p), nil
	}
	if int64(len(p)) > room {
		c.buf.Write(p[:room])
		c.dropped += int64(len(p)) - room
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Truncated() bool { return c.dropped > 0 }

func (c *cappedBuffer) String() string { return c.buf.String() }
