// Package usb drives the short-range radio dongle over direct USB bulk
// transfers, bypassing any OS-level serial abstraction.
package usb

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

// idPair is one accepted (vendor, product) combination for the dongle.
type idPair struct {
	vendor, product gousb.ID
}

// acceptedIDs lists every USB vendor/product id pair known to identify a
// short-range radio dongle (Garmin, Dynastream and common third-party
// clones all share this device class).
var acceptedIDs = []idPair{
	{0x0fcf, 0x1008},
	{0x0fcf, 0x1009},
	{0x0fcf, 0x1004},
}

const (
	readTimeout  = 100 * time.Millisecond
	writeTimeout = 1000 * time.Millisecond
)

// Driver owns the USB handle for a dongle: one claimed interface and its
// first bulk-IN/bulk-OUT endpoints. Send and ReceiveAll are called from
// distinct goroutines concurrently; each touches only its own endpoint, so
// no lock is shared between them.
type Driver struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epIn   *gousb.InEndpoint
	epOut  *gousb.OutEndpoint
	buf    []byte
}

// Open locates the first USB device matching one of the accepted
// (vendor, product) pairs, detaches any active kernel driver on interface 0,
// claims it, discovers the first bulk-IN/bulk-OUT endpoints from the first
// configuration/setting, and issues a device reset.
func Open() (*Driver, error) {
	ctx := gousb.NewContext()

	var dev *gousb.Device
	for _, id := range acceptedIDs {
		d, err := ctx.OpenDeviceWithVIDPID(id.vendor, id.product)
		if err != nil {
			continue
		}
		if d != nil {
			dev = d
			break
		}
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("short-range dongle not found among %d known vendor/product ids", len(acceptedIDs))
	}

	if err := dev.SetAutoDetach(true); err != nil {
		log.Printf("shortrange/usb: SetAutoDetach failed (continuing): %v", err)
	}

	config, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("set usb config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim usb interface: %w", err)
	}

	epIn, epOut, err := firstBulkEndpoints(intf)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, err
	}

	if err := dev.Reset(); err != nil {
		log.Printf("shortrange/usb: device reset failed (continuing): %v", err)
	}

	d := &Driver{
		ctx:    ctx,
		dev:    dev,
		config: config,
		intf:   intf,
		epIn:   epIn,
		epOut:  epOut,
		buf:    make([]byte, 4096),
	}
	return d, nil
}

func firstBulkEndpoints(intf *gousb.Interface) (*gousb.InEndpoint, *gousb.OutEndpoint, error) {
	var inNum, outNum int
	var haveIn, haveOut bool
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
			inNum, haveIn = ep.Number, true
		}
		if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
			outNum, haveOut = ep.Number, true
		}
	}
	if !haveIn || !haveOut {
		return nil, nil, fmt.Errorf("dongle interface exposes no bulk in/out endpoint pair")
	}
	epIn, err := intf.InEndpoint(inNum)
	if err != nil {
		return nil, nil, fmt.Errorf("open bulk-in endpoint: %w", err)
	}
	epOut, err := intf.OutEndpoint(outNum)
	if err != nil {
		return nil, nil, fmt.Errorf("open bulk-out endpoint: %w", err)
	}
	return epIn, epOut, nil
}

// Send writes frame to the bulk-OUT endpoint with a short write timeout.
func (d *Driver) Send(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := d.epOut.WriteContext(ctx, frame); err != nil {
		return fmt.Errorf("usb write: %w", err)
	}
	return nil
}

// ReceiveAll performs a single blocking read with a short timeout. It
// returns an empty (nil, nil) result on timeout rather than an error:
// a quiet dongle is not a fault.
func (d *Driver) ReceiveAll() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	n, err := d.epIn.ReadContext(ctx, d.buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("usb read: %w", err)
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	return out, nil
}

// Close sends a system-reset frame best-effort and releases the USB handle,
// allowing the kernel driver to reattach.
func (d *Driver) Close(resetFrame []byte) error {
	if resetFrame != nil {
		_ = d.Send(resetFrame)
	}
	if d.intf != nil {
		d.intf.Close()
	}
	if d.config != nil {
		d.config.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}
