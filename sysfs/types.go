// SPDX-License-Identifier: GPL-2.0-only

package sysfs

import (
	baseerrors "errors"
	"fmt"
)

// USBID is a 16-bit USB vendor or product identifier.
type USBID uint16

func (id USBID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

const (
	// Root is the usual sysfs mount point.
	Root = "/sys"

	usbDevicesDir = "bus/usb/devices"
	usbDriversDir = "bus/usb/drivers"
)

var (
	ErrDeviceNotFound    = baseerrors.New("no matching USB device")
	ErrNoSuchInterface   = baseerrors.New("no such interface in active configuration")
	ErrDriverNotAttached = baseerrors.New("no kernel driver bound to interface")
)

// Device is one enumerated USB device node.
type Device struct {
	// BusId describes the USB Bus ID of the device, e.g. "3-2".
	BusId string
	// Vendor is the USB Vendor ID of the device.
	Vendor USBID
	// Product is the USB Product ID of the device.
	Product USBID
	// ConfigValue is the bConfigurationValue of the active configuration.
	ConfigValue uint8
}

// Interface is one interface node under a device's active configuration.
type Interface struct {
	// Name is the sysfs node name, e.g. "3-2:1.0".
	Name string
	// Number is the bInterfaceNumber within the configuration.
	Number uint8
}
