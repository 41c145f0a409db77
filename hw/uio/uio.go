//go:build linux

// Package uio drives the engine from userspace on Linux. Registers and the interrupt line
// come from a UIO device, DMA memory from a u-dma-buf buffer.
package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/hw/eventfd"
	"golang.org/x/sys/unix"
)

var (
	devRoot   = "/dev"
	sysfsRoot = "/sys/class"
)

// Config names the devices backing one engine.
type Config struct {
	// Device is the UIO device, for example uio0. Map 0 is the register window and map 1
	// the SRAM.
	Device string
	// DMABuf is the u-dma-buf device providing DMA memory, for example udmabuf0.
	DMABuf string
}

// Device is an engine reached through UIO.
type Device struct {
	l *logrus.Logger

	fd   int
	regs []byte
	sram uint32

	dmaFD int
	dma   []byte
	arena *hw.Arena

	kick eventfd.EventFD
	ep   eventfd.Epoll

	waitMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open maps the register window and DMA memory named by cfg.
func Open(l *logrus.Logger, cfg Config) (_ *Device, err error) {
	kick, err := eventfd.New()
	if err != nil {
		return nil, err
	}
	ep, err := eventfd.NewEpoll()
	if err != nil {
		kick.Close()
		return nil, err
	}

	d := &Device{l: l, fd: -1, dmaFD: -1, kick: kick, ep: ep}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	uioSys := filepath.Join(sysfsRoot, "uio", cfg.Device)
	regSize, err := readSysfsUint(filepath.Join(uioSys, "maps", "map0", "size"))
	if err != nil {
		return nil, err
	}
	sramAddr, err := readSysfsUint(filepath.Join(uioSys, "maps", "map1", "addr"))
	if err != nil {
		return nil, err
	}
	if sramAddr > 0xffffffff {
		return nil, fmt.Errorf("SRAM at %#x is outside the 32-bit bus", sramAddr)
	}
	d.sram = uint32(sramAddr)

	bufSys := filepath.Join(sysfsRoot, "u-dma-buf", cfg.DMABuf)
	dmaAddr, err := readSysfsUint(filepath.Join(bufSys, "phys_addr"))
	if err != nil {
		return nil, err
	}
	dmaSize, err := readSysfsUint(filepath.Join(bufSys, "size"))
	if err != nil {
		return nil, err
	}
	if dmaAddr > 0xffffffff {
		return nil, fmt.Errorf("DMA buffer at %#x is outside the 32-bit bus", dmaAddr)
	}

	if d.fd, err = unix.Open(filepath.Join(devRoot, cfg.Device), unix.O_RDWR|unix.O_CLOEXEC, 0); err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	// UIO selects map N with an mmap offset of N pages.
	if d.regs, err = unix.Mmap(d.fd, 0, int(regSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return nil, fmt.Errorf("map %s registers: %w", cfg.Device, err)
	}

	if d.dmaFD, err = unix.Open(filepath.Join(devRoot, cfg.DMABuf), unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0); err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DMABuf, err)
	}
	if d.dma, err = unix.Mmap(d.dmaFD, 0, int(dmaSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return nil, fmt.Errorf("map %s: %w", cfg.DMABuf, err)
	}
	if d.arena, err = hw.NewArena(uint32(dmaAddr), d.dma, hw.DefaultChunkSize); err != nil {
		return nil, err
	}

	if err = d.ep.Add(d.fd); err != nil {
		return nil, err
	}
	if err = d.ep.Add(d.kick.FD()); err != nil {
		return nil, err
	}

	l.WithField("device", cfg.Device).
		WithField("dmabuf", cfg.DMABuf).
		WithField("sram", fmt.Sprintf("%#x", d.sram)).
		WithField("dmaSize", dmaSize).
		Info("Opened UIO engine")
	return d, nil
}

func readSysfsUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

func (d *Device) reg(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(d.regs) {
		panic(fmt.Sprintf("register %#x outside the %d byte window", off, len(d.regs)))
	}
	return (*uint32)(unsafe.Pointer(&d.regs[off]))
}

func (d *Device) Read32(reg uint32) uint32 {
	return atomic.LoadUint32(d.reg(reg))
}

func (d *Device) Write32(reg uint32, v uint32) {
	atomic.StoreUint32(d.reg(reg), v)
}

func (d *Device) SRAM() uint32 {
	return d.sram
}

func (d *Device) Arena() *hw.Arena {
	return d.arena
}

// WaitInterrupt unmasks the interrupt line and blocks until it fires.
func (d *Device) WaitInterrupt(ctx context.Context) error {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()

	if d.closed.Load() {
		return hw.ErrBusClosed
	}

	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(d.fd, b[:]); err != nil {
		return fmt.Errorf("enable interrupt: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		if err := d.kick.Kick(); err != nil {
			d.l.WithError(err).Error("Failed to wake the interrupt waiter")
		}
	})
	defer stop()

	for {
		fd, err := d.ep.Wait()
		if err != nil {
			return err
		}

		if fd == d.kick.FD() {
			if err := d.kick.Drain(); err != nil {
				return err
			}
			if d.closed.Load() {
				return hw.ErrBusClosed
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		// The read returns the total interrupt count, which is not needed.
		if _, err := unix.Read(d.fd, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("read interrupt count: %w", err)
		}
		return nil
	}
}

// Close wakes any interrupt waiter and unmaps everything.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		_ = d.kick.Kick()
		d.waitMu.Lock()
		defer d.waitMu.Unlock()
		d.closeErr = d.release()
	})
	return d.closeErr
}

func (d *Device) release() error {
	var errs []error
	if d.regs != nil {
		errs = append(errs, unix.Munmap(d.regs))
		d.regs = nil
	}
	if d.dma != nil {
		errs = append(errs, unix.Munmap(d.dma))
		d.dma = nil
	}
	for _, fd := range []*int{&d.fd, &d.dmaFD} {
		if *fd >= 0 {
			errs = append(errs, unix.Close(*fd))
			*fd = -1
		}
	}
	errs = append(errs, d.ep.Close(), d.kick.Close())
	return errors.Join(errs...)
}
