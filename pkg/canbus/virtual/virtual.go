// Package virtual implements a TCP loopback CAN bus backend, primarily
// for integration tests and for running two bridge instances against
// two independent virtual CAN segments without hardware.
//
// It expects a broker on the far end of the TCP connection that
// rebroadcasts frames to all connected clients (see
// https://github.com/windelbouwman/virtualcan for a reference broker);
// the wire format here is the same length-prefixed frame encoding the
// teacher stack's virtual CAN backend uses.
package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaylink/cantdma/pkg/canbus"
)

func init() {
	canbus.Register("virtual", NewBus)
}

type Bus struct {
	logger        *logrus.Entry
	mu            sync.Mutex
	channel       string
	conn          net.Conn
	receiveOwn    bool
	listener      canbus.Listener
	stopChan      chan struct{}
	wg            sync.WaitGroup
	isRunning     bool
	errSubscriber bool
}

// NewBus creates a virtual CAN bus that dials channel (a "host:port"
// address) once Connect is called.
func NewBus(channel string) (canbus.Bus, error) {
	return &Bus{channel: channel, stopChan: make(chan struct{}), logger: logrus.WithField("component", "canbus.virtual")}, nil
}

func serializeFrame(frame canbus.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.BigEndian, frame); err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	return append(frameBytes, dataBytes...), nil
}

func deserializeFrame(buffer []byte) (*canbus.Frame, error) {
	var frame canbus.Frame
	if err := binary.Read(bytes.NewBuffer(buffer), binary.BigEndian, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	b.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(true)
	}
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.errSubscriber && b.isRunning {
		close(b.stopChan)
		b.wg.Wait()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bus) Send(frame canbus.Frame) error {
	if b.receiveOwn && b.listener != nil {
		b.listener.Handle(frame)
	} else if b.conn == nil {
		return errors.New("canbus/virtual: no active connection, abort send")
	}
	if b.conn == nil {
		return nil
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err = b.conn.Write(frameBytes)
	return err
}

func (b *Bus) Subscribe(listener canbus.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	if b.isRunning {
		return nil
	}
	b.wg.Add(1)
	b.isRunning = true
	b.errSubscriber = false
	b.stopChan = make(chan struct{})
	go b.handleReception()
	return nil
}

func (b *Bus) recv() (*canbus.Frame, error) {
	if b.conn == nil {
		return nil, fmt.Errorf("canbus/virtual: no active connection, abort receive")
	}
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	headerBytes := make([]byte, 4)
	n, err := b.conn.Read(headerBytes)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n < 4 || err != nil {
		return nil, fmt.Errorf("canbus/virtual: short header read: %d bytes, err %v", n, err)
	}
	length := binary.BigEndian.Uint32(headerBytes)
	frameBytes := make([]byte, length)
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err = b.conn.Read(frameBytes)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n != int(length) || err != nil {
		return nil, fmt.Errorf("canbus/virtual: short frame read: expected %d got %d", length, n)
	}
	return deserializeFrame(frameBytes)
}

func (b *Bus) handleReception() {
	defer func() {
		b.isRunning = false
		b.wg.Done()
	}()
	for {
		select {
		case <-b.stopChan:
			return
		default:
			if !b.mu.TryLock() {
				continue
			}
			frame, err := b.recv()
			switch {
			case isTimeout(err):
				// no message, fine
			case err != nil:
				b.logger.WithError(err).Error("reception loop exiting")
				b.errSubscriber = true
				b.mu.Unlock()
				return
			case b.listener != nil:
				b.listener.Handle(*frame)
			}
			b.mu.Unlock()
		}
	}
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// SetReceiveOwn loops locally-sent frames back to the subscribed
// listener, useful when there is no broker for standalone tests.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}
