package session

import (
	"errors"
	"io"

	"github.com/cyberinferno/fznet/buffer"
	"github.com/cyberinferno/fznet/logger"
)

// read issues one read into the writable region of the read buffer. The
// blocking read runs on its own goroutine and its completion is posted back
// to the loop; only one read is in flight at a time.
func (s *Session) read() {
	if s.readBuf.Empty() || s.readBuf.WritableBytes() == 0 {
		s.readBuf.Resize(s.readBufferSize)
	}

	conn, gen, dst := s.conn, s.gen, s.readBuf.WriteSlice()
	go func() {
		n, err := conn.Read(dst)
		if perr := s.post(func() { s.readDone(gen, n, err) }); perr != nil {
			s.logger.Debug("read completion dropped", logger.Field{Key: "error", Value: perr})
		}
	}()
}

func (s *Session) readDone(gen uint64, n int, err error) {
	if gen != s.gen {
		return
	}

	if n > 0 {
		s.readBuf.HasWritten(n)
		if s.readBuf.WritableBytes() <= s.readBuf.Cap()/4 {
			s.readBuf.Resize(s.readBuf.Cap())
		}

		if cb := s.readCallback(); cb != nil {
			cb(s, s.readBuf)
		}
	}

	if err != nil {
		s.onReadError(err)
		return
	}

	if s.closed.Load() || gen != s.gen {
		return
	}

	s.read()
}

func (s *Session) onReadError(err error) {
	if s.closed.Load() {
		return
	}

	if errors.Is(err, io.EOF) {
		s.logger.Debug("peer closed connection", logger.Field{Key: "remote", Value: s.RemoteAddr()})
	} else {
		s.logger.Error("read error",
			logger.Field{Key: "remote", Value: s.RemoteAddr()},
			logger.Field{Key: "error", Value: err.Error()})
	}

	if s.reconnect.Load() && s.targetHost != "" {
		s.closeSocket()
		s.scheduleReconnect(s.targetHost, s.targetPort)
		return
	}

	s.Disconnect()
}

// flush moves queued sends into the in-flight write buffer and starts a
// write. It does nothing while a write is in flight or before the socket is
// connected; the write completion and start call it again.
func (s *Session) flush() {
	if s.conn == nil || s.writing || s.closed.Load() {
		return
	}

	if s.writeBuf.Empty() {
		s.writeBuf.Resize(buffer.DefaultSize)

		s.sendMu.Lock()
		for s.pending.Length() > 0 {
			s.writeBuf.Append(s.pending.Remove().([]byte))
		}
		s.sendMu.Unlock()
	}

	if s.writeBuf.Empty() {
		return
	}

	s.write()
}

func (s *Session) write() {
	s.writing = true

	conn, gen, data := s.conn, s.gen, s.writeBuf.Peek()
	go func() {
		n, err := conn.Write(data)
		if perr := s.post(func() { s.writeDone(gen, n, err) }); perr != nil {
			s.logger.Debug("write completion dropped", logger.Field{Key: "error", Value: perr})
		}
	}()
}

func (s *Session) writeDone(gen uint64, n int, err error) {
	if gen != s.gen {
		return
	}

	s.writing = false
	s.writeBuf.Retrieve(n)

	if err != nil {
		if !s.closed.Load() {
			s.logger.Error("write error",
				logger.Field{Key: "remote", Value: s.RemoteAddr()},
				logger.Field{Key: "error", Value: err.Error()})
		}

		s.Disconnect()
		return
	}

	if !s.writeBuf.Empty() {
		s.write()
		return
	}

	s.flush()
}
