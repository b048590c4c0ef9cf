// Package channel wraps a reliable byte stream into a duplex JSON message
// channel.
//
// Wire format: newline-delimited JSON. One reader goroutine decodes messages
// and hands them to every registered handler; one writer goroutine drains the
// send queue, so a handler may Send without blocking the reader.
package channel

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("channel")

var (
	ErrClosed       = errors.New("channel: closed")
	ErrBackpressure = errors.New("channel: send queue full")
)

const (
	sendQueueCap = 64
	writeTimeout = 10 * time.Second
)

// Handler receives one decoded message. Handlers run on the reader
// goroutine and must not block.
type Handler func(msg json.RawMessage)

// Channel is a duplex message channel to one peer.
type Channel interface {
	Send(v any) error
	// OnMessage registers h and returns a func that unregisters it.
	OnMessage(h Handler) (off func())
	Done() <-chan struct{}
	IsClosed() bool
	Close() error
}

type handlerEntry struct {
	id uint64
	h  Handler
}

// Conn is the stream-backed Channel.
type Conn struct {
	rwc io.ReadWriteCloser
	out chan []byte

	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   uint64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts the reader and writer goroutines on rwc. The Conn owns rwc from
// here on and closes it when the stream ends.
func New(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{
		rwc:  rwc,
		out:  make(chan []byte, sendQueueCap),
		done: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Pipe returns two connected in-memory channels.
func Pipe() (*Conn, *Conn) {
	a, b := net.Pipe()
	return New(a), New(b)
}

func (c *Conn) Send(v any) error {
	if c.IsClosed() {
		return ErrClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

func (c *Conn) OnMessage(h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handlerEntry{id: id, h: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, e := range c.handlers {
				if e.id == id {
					c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

func (c *Conn) readLoop() {
	defer c.Close()

	dec := json.NewDecoder(bufio.NewReader(c.rwc))
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) && !c.IsClosed() {
				log.Debugw("read failed", "err", err)
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Conn) dispatch(raw json.RawMessage) {
	c.mu.RLock()
	hs := make([]Handler, len(c.handlers))
	for i, e := range c.handlers {
		hs[i] = e.h
	}
	c.mu.RUnlock()

	for _, h := range hs {
		h(raw)
	}
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

func (c *Conn) writeLoop() {
	wd, hasDeadline := c.rwc.(writeDeadliner)
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			if hasDeadline {
				_ = wd.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if _, err := c.rwc.Write(b); err != nil {
				if !c.IsClosed() {
					log.Debugw("write failed", "err", err)
				}
				c.Close()
				return
			}
			if hasDeadline {
				_ = wd.SetWriteDeadline(time.Time{})
			}
		}
	}
}
