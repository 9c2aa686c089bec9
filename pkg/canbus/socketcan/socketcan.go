//go:build linux

// Package socketcan implements the "socketcan" canbus.Bus backend
// using a raw AF_CAN socket opened directly via golang.org/x/sys/unix,
// without going through a higher-level CAN library. cmd/bridge uses it
// when a node's config sets backend = socketcan in its [can] section.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/relaylink/cantdma/pkg/canbus"
)

const frameSize = 16

func init() {
	canbus.Register("socketcan", NewBus)
}

type wireFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

var defaultTimeval = unix.Timeval{Sec: 0, Usec: 100_000}

type Bus struct {
	f        *os.File
	fd       int
	listener canbus.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *logrus.Entry
}

// NewBus opens a raw CAN_RAW socket bound to channel (e.g. "can0").
// The interface must already be up.
func NewBus(channel string) (canbus.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus/socketcan: create socket: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &defaultTimeval); err != nil {
		return nil, fmt.Errorf("canbus/socketcan: set read timeout: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		return nil, fmt.Errorf("canbus/socketcan: bind: %w", err)
	}
	return &Bus{fd: fd, logger: logrus.WithField("component", "canbus.socketcan")}, nil
}

func (b *Bus) Connect(...any) error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.f = os.NewFile(uintptr(b.fd), fmt.Sprintf("fd %d", b.fd))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receiveLoop(ctx)
	}()
	return nil
}

func (b *Bus) Disconnect() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	return b.f.Close()
}

func (b *Bus) Send(frame canbus.Frame) error {
	wf := wireFrame{id: frame.ID, dlc: frame.DLC, pad: frame.Flags, data: frame.Data}
	raw := (*(*[frameSize]byte)(unsafe.Pointer(&wf)))[:]
	n, err := b.f.Write(raw)
	if n != frameSize || err != nil {
		return fmt.Errorf("canbus/socketcan: short write (%d/%d): %w", n, frameSize, err)
	}
	return nil
}

func (b *Bus) receiveLoop(ctx context.Context) {
	rx := make([]byte, frameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			n, err := b.f.Read(rx)
			if errors.Is(err, syscall.EAGAIN) {
				continue
			}
			if n != frameSize || err != nil {
				b.logger.WithError(err).Info("receive loop exiting")
				return
			}
			wf := (*wireFrame)(unsafe.Pointer(&rx[0]))
			if b.listener != nil {
				b.listener.Handle(canbus.Frame{ID: wf.id, DLC: wf.dlc, Flags: wf.pad, Data: wf.data})
			}
		}
	}
}

func (b *Bus) Subscribe(listener canbus.Listener) error {
	b.listener = listener
	return nil
}

// SetReceiveOwn enables CAN_RAW_RECV_OWN_MSGS, useful when loopback
// testing against a vcan interface.
func (b *Bus) SetReceiveOwn(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v)
}

// SetFilters installs kernel-side CAN ID filters.
func (b *Bus) SetFilters(filters []unix.CanFilter) error {
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
