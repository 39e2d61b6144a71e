package connection

import "time"

// writeLoop is the serialized writer required by spec.md §4.3: a single
// owner task drains the outbound command queue and flushes after every
// command, applying the configured write timeout.
func (c *Connection) writeLoop() {
	defer c.loopsDone.Done()

	for {
		select {
		case <-c.exitChan:
			c.drainPending()
			return
		case body := <-c.cmdChan:
			if err := c.writeCommand(body); err != nil {
				go c.failWithError(err)
				return
			}
		}
	}
}

// drainPending flushes any commands already queued (e.g. FIN/REQ issued by
// handlers finishing up during the close window) before the loop exits, on
// a best-effort basis.
func (c *Connection) drainPending() {
	for {
		select {
		case body := <-c.cmdChan:
			_ = c.writeCommand(body)
		default:
			return
		}
	}
}

func (c *Connection) writeCommand(body []byte) error {
	_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	defer c.netConn.SetWriteDeadline(time.Time{})

	if _, err := c.writer.Write(body); err != nil {
		return err
	}
	return c.flusher.Flush()
}
