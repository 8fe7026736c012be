package session

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/fznet/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Reconnecting", Reconnecting.String())
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}

func TestNew(t *testing.T) {
	loop := startedLoop(t)

	t.Run("applies defaults", func(t *testing.T) {
		s := New(loop, Config{})
		assert.Equal(t, Idle, s.State())
		assert.Same(t, loop, s.Loop())
		assert.Equal(t, DefaultReconnectTimes, s.ReconnectTimes())
		assert.Equal(t, DefaultReconnectDelay, s.ReconnectDelay())
		assert.False(t, s.ReconnectEnabled())
		assert.Equal(t, 0, s.PendingSends())
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := map[uint64]bool{}
		for i := 0; i < 100; i++ {
			s := New(loop, DefaultConfig())
			assert.NotZero(t, s.ID())
			assert.False(t, seen[s.ID()])
			seen[s.ID()] = true
		}
	})

	t.Run("setters", func(t *testing.T) {
		s := New(loop, DefaultConfig())
		s.SetReconnect(true)
		s.SetReconnectTimes(7)
		s.SetReconnectDelay(time.Second)
		assert.True(t, s.ReconnectEnabled())
		assert.Equal(t, 7, s.ReconnectTimes())
		assert.Equal(t, time.Second, s.ReconnectDelay())
	})

	t.Run("user data", func(t *testing.T) {
		s := New(loop, DefaultConfig())
		assert.Nil(t, s.UserData())
		s.SetUserData(map[string]int{"requests": 1})
		assert.Equal(t, map[string]int{"requests": 1}, s.UserData())
	})
}

func TestSession_Start(t *testing.T) {
	t.Run("fires connect callback and captures remote", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		connected := make(chan struct{})
		s.SetConnectCallback(func(got *Session) {
			assert.Same(t, s, got)
			close(connected)
		})
		s.Start(server)

		waitClosed(t, connected)
		assert.Equal(t, Connected, s.State())
		assert.Equal(t, "127.0.0.1", s.RemoteIP())
		assert.Equal(t, client.LocalAddr().String(), s.RemoteAddr())
	})

	t.Run("nil socket does not start", func(t *testing.T) {
		loop := startedLoop(t)
		s := New(loop, DefaultConfig())
		rec := &callbackRecorder{}
		rec.install(s)

		s.Start(nil)
		done := make(chan struct{})
		require.NoError(t, loop.PostTask(func() { close(done) }))
		waitClosed(t, done)

		assert.Equal(t, Idle, s.State())
		assert.Equal(t, int32(0), rec.connects.Load())
	})

	t.Run("start after disconnect closes the socket", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		s.Disconnect()
		s.Start(server)

		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := client.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, Disconnected, s.State())
	})
}

func TestSession_Read(t *testing.T) {
	t.Run("delivers bytes to read callback", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		rec := &callbackRecorder{}
		s.SetReadCallback(func(_ *Session, buf *buffer.Buffer) {
			rec.mu.Lock()
			rec.data = append(rec.data, buf.RetrieveAllAsString()...)
			rec.mu.Unlock()
		})
		s.Start(server)

		_, err := client.Write([]byte("hello "))
		require.NoError(t, err)
		_, err = client.Write([]byte("world"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return rec.received() == "hello world" }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("unconsumed bytes accumulate and buffer grows", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		cfg := DefaultConfig()
		cfg.ReadBufferSize = 16
		s := New(loop, cfg)

		payload := strings.Repeat("0123456789", 50)
		got := make(chan string, 1)
		s.SetReadCallback(func(_ *Session, buf *buffer.Buffer) {
			if buf.ReadableBytes() >= len(payload) {
				assert.Greater(t, buf.WritableBytes(), buf.Cap()/4)
				got <- buf.RetrieveAllAsString()
			}
		})
		s.Start(server)

		_, err := client.Write([]byte(payload))
		require.NoError(t, err)

		select {
		case v := <-got:
			assert.Equal(t, payload, v)
		case <-time.After(2 * time.Second):
			t.Fatal("payload not accumulated")
		}
	})

	t.Run("peer close disconnects once", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		rec := &callbackRecorder{}
		rec.install(s)
		s.Start(server)

		require.Eventually(t, func() bool { return rec.connects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, client.Close())

		waitClosed(t, s.Done())
		assert.Equal(t, int32(1), rec.disconnects.Load())
		assert.Equal(t, Disconnected, s.State())
	})
}

func TestSession_Send(t *testing.T) {
	t.Run("preserves FIFO order", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		s.Start(server)

		require.NoError(t, s.Send(buffer.NewFromString("b1")))
		require.NoError(t, s.SendString("b2"))
		require.NoError(t, s.SendBytes([]byte("b3")))

		got := make([]byte, 6)
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := io.ReadFull(client, got)
		require.NoError(t, err)
		assert.Equal(t, "b1b2b3", string(got))
	})

	t.Run("many sends from one goroutine arrive in order", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		s.Start(server)

		var want bytes.Buffer
		for i := 0; i < 2000; i++ {
			chunk := strings.Repeat(string(rune('a'+i%26)), i%50+1)
			want.WriteString(chunk)
			require.NoError(t, s.SendString(chunk))
		}

		got := make([]byte, want.Len())
		_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := io.ReadFull(client, got)
		require.NoError(t, err)
		assert.Equal(t, want.String(), string(got))
	})

	t.Run("concurrent producers keep per-producer order", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		s.Start(server)

		const producers, perProducer = 4, 200
		var wg sync.WaitGroup
		wg.Add(producers)
		for p := 0; p < producers; p++ {
			go func(p int) {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					_ = s.SendBytes([]byte{byte('A' + p), byte(i)})
				}
			}(p)
		}
		wg.Wait()

		got := make([]byte, producers*perProducer*2)
		_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := io.ReadFull(client, got)
		require.NoError(t, err)

		next := make([]int, producers)
		for i := 0; i < len(got); i += 2 {
			p := int(got[i] - 'A')
			require.Less(t, p, producers)
			assert.Equal(t, byte(next[p]), got[i+1])
			next[p]++
		}
	})

	t.Run("data sent before connect is flushed on start", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		require.NoError(t, s.SendString("early"))
		assert.Equal(t, 1, s.PendingSends())
		s.Start(server)

		got := make([]byte, 5)
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := io.ReadFull(client, got)
		require.NoError(t, err)
		assert.Equal(t, "early", string(got))
	})

	t.Run("empty payload is ignored", func(t *testing.T) {
		loop := startedLoop(t)
		s := New(loop, DefaultConfig())
		assert.NoError(t, s.SendBytes(nil))
		assert.NoError(t, s.Send(nil))
		assert.NoError(t, s.Send(buffer.New()))
		assert.Equal(t, 0, s.PendingSends())
	})

	t.Run("echo through read callback", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		s.SetReadCallback(func(sess *Session, buf *buffer.Buffer) {
			out := buffer.New()
			out.AppendString(buf.RetrieveAllAsString())
			_ = sess.Send(out)
		})
		s.Start(server)

		_, err := client.Write([]byte("ping"))
		require.NoError(t, err)

		got := make([]byte, 4)
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = io.ReadFull(client, got)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(got))
	})
}

func TestSession_Disconnect(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		rec := &callbackRecorder{}
		rec.install(s)
		s.Start(server)
		require.Eventually(t, func() bool { return rec.connects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

		assert.NotPanics(t, func() {
			s.Disconnect()
			s.Disconnect()
		})

		waitClosed(t, s.Done())
		assert.Equal(t, int32(1), rec.disconnects.Load())
		assert.Equal(t, Disconnected, s.State())

		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := client.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("concurrent calls fire callback once", func(t *testing.T) {
		loop := startedLoop(t)
		s := New(loop, DefaultConfig())
		rec := &callbackRecorder{}
		rec.install(s)

		var wg sync.WaitGroup
		wg.Add(10)
		for i := 0; i < 10; i++ {
			go func() {
				defer wg.Done()
				s.Disconnect()
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), rec.disconnects.Load())
	})

	t.Run("send after disconnect fails", func(t *testing.T) {
		loop := startedLoop(t)
		s := New(loop, DefaultConfig())
		s.Disconnect()
		assert.ErrorIs(t, s.SendString("late"), ErrSessionClosed)
	})

	t.Run("disconnect from read callback stops reading", func(t *testing.T) {
		loop := startedLoop(t)
		server, client := tcpPair(t)

		s := New(loop, DefaultConfig())
		rec := &callbackRecorder{}
		rec.install(s)
		var reads int
		s.SetReadCallback(func(sess *Session, buf *buffer.Buffer) {
			reads++
			buf.RetrieveAll()
			sess.Disconnect()
		})
		s.Start(server)

		_, err := client.Write([]byte("quit"))
		require.NoError(t, err)

		waitClosed(t, s.Done())
		_, _ = client.Write([]byte("ignored"))

		done := make(chan struct{})
		require.NoError(t, loop.PostTask(func() {
			assert.Equal(t, 1, reads)
			close(done)
		}))
		waitClosed(t, done)
		assert.Equal(t, int32(1), rec.disconnects.Load())
	})
}

func TestSession_DisconnectAfterLoopStopped(t *testing.T) {
	loop := startedLoop(t)
	server, client := tcpPair(t)

	s := New(loop, DefaultConfig())
	rec := &callbackRecorder{}
	rec.install(s)
	s.Start(server)
	require.Eventually(t, func() bool { return rec.connects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, loop.Stop())
	s.Disconnect()

	assert.Equal(t, int32(1), rec.disconnects.Load())
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
