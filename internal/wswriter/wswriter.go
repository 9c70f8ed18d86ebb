// Package wswriter implements an exclusive writer for a websocket
// connection. It allows a single access to the writer end of the
// websocket connection at any given time.
package wswriter

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWriteLockTimeout is returned when a call to Write fails because
// the write lock of the connection cannot be acquired before the
// timeout.
var ErrWriteLockTimeout = errors.New("hub: timed out waiting for write lock")

// ErrWriteLimitExceeded is returned when a Write exceeds the
// connection's write limit.
var ErrWriteLimitExceeded = errors.New("hub: write limit exceeded")

// Writer is an io.WriteCloser that acquires the connection's
// exclusive write lock on its first Write and releases it on Close.
type Writer struct {
	wsConn       *websocket.Conn
	writeLock    chan struct{}
	lockTimeout  time.Duration
	writeTimeout time.Duration

	init bool
	w    io.WriteCloser
}

// Exclusive creates an exclusive websocket writer. It uses the lock
// channel to acquire and release the lock, and fails with an
// ErrWriteLockTimeout if it cannot acquire one before acquireTimeout.
// The writeTimeout is used to set the write deadline on the
// connection.
//
// The returned writer itself is not safe for concurrent use. Each
// goroutine must close its writer before asking for another one,
// ideally with a timeout set, or the goroutines may deadlock waiting
// for each other's lock.
func Exclusive(conn *websocket.Conn, lock chan struct{}, acquireTimeout, writeTimeout time.Duration) *Writer {
	return &Writer{
		wsConn:       conn,
		writeLock:    lock,
		lockTimeout:  acquireTimeout,
		writeTimeout: writeTimeout,
	}
}

// Write writes a text message to the websocket connection. The first
// call tries to acquire the exclusive write lock, returning
// ErrWriteLockTimeout if it fails doing so before the timeout.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.init {
		var wait <-chan time.Time
		if to := w.lockTimeout; to > 0 {
			wait = time.After(to)
		}

		select {
		case <-wait:
			return 0, ErrWriteLockTimeout

		case <-w.writeLock:
			// lock acquired, get the next writer from the websocket
			// connection
			w.init = true
			wc, err := w.wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return 0, err
			}
			w.w = wc
			if to := w.writeTimeout; to > 0 {
				w.wsConn.SetWriteDeadline(time.Now().Add(to))
			}
		}
	}

	return w.w.Write(p)
}

// Close finishes writing the text message to the websocket
// connection, and releases the exclusive write lock.
func (w *Writer) Close() error {
	if !w.init {
		// no write, Close is a no-op
		return nil
	}

	var err error
	if w.w != nil {
		err = w.w.Close()
		w.wsConn.SetWriteDeadline(time.Time{})
	}

	// release the write lock
	w.writeLock <- struct{}{}
	return err
}

type limitWriter struct {
	w     io.Writer
	limit int64
	n     int64
}

// Limit wraps w so that at most limit bytes can be written to it;
// writes past the limit fail with ErrWriteLimitExceeded.
func Limit(w io.Writer, limit int64) io.Writer {
	return &limitWriter{w: w, limit: limit}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.n+int64(len(p)) > w.limit {
		return 0, ErrWriteLimitExceeded
	}
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}
