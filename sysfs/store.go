// SPDX-License-Identifier: GPL-2.0-only

package sysfs

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
)

// Store gives access to the host's USB driver-binding state. Reads go
// through fsys, which is expected to be rooted at the sysfs mount point, so
// they can be exercised against an fstest.MapFS. Writes (the actual
// bind/unbind commands) go through writeRoot, since sysfs attribute files
// are not reachable through an fs.FS.
type Store struct {
	fsys      fs.FS
	writeRoot string

	logger log.Logger
}

func NewStore(fsys fs.FS, writeRoot string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{
		fsys:      fsys,
		writeRoot: writeRoot,
		logger:    logger,
	}
}

// NewSysStore returns a store over the sysfs mount at root (normally Root).
func NewSysStore(root string, logger log.Logger) *Store {
	return NewStore(os.DirFS(root), root, logger)
}

func (s *Store) readDeviceAttribute(sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(s.fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (s *Store) readDeviceUint8Attribute(sysPath string, attributeName string) (uint8, error) {
	attrStr, err := s.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint8 = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (s *Store) readDeviceUint16HexAttribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := s.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%04x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

// FindDevice returns the first enumerated device whose vendor and product
// ids match. Interface nodes (bus ids containing ':') are skipped, as are
// nodes without id attributes.
func (s *Store) FindDevice(vendor USBID, product USBID) (*Device, error) {
	entries, err := fs.ReadDir(s.fsys, usbDevicesDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read usb sysdir")
	}

	for _, entry := range entries {
		busId := entry.Name()
		if strings.ContainsRune(busId, ':') {
			continue
		}
		sysPath := path.Join(usbDevicesDir, busId)

		vend, err := s.readDeviceUint16HexAttribute(sysPath, "idVendor")
		if err != nil {
			continue
		}
		prod, err := s.readDeviceUint16HexAttribute(sysPath, "idProduct")
		if err != nil {
			continue
		}
		if USBID(vend) != vendor || USBID(prod) != product {
			continue
		}

		configValue, err := s.readDeviceUint8Attribute(sysPath, "bConfigurationValue")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read active configuration of %s", busId)
		}

		_ = s.logger.Log("msg", "matched USB device", "busId", busId, "vendor", USBID(vend), "product", USBID(prod))
		return &Device{
			BusId:       busId,
			Vendor:      USBID(vend),
			Product:     USBID(prod),
			ConfigValue: configValue,
		}, nil
	}

	return nil, errors.Wrapf(ErrDeviceNotFound, "device %s:%s", vendor, product)
}

// Interface resolves the interface node for the given interface number
// under the device's active configuration.
func (s *Store) Interface(dev *Device, num uint8) (*Interface, error) {
	name := fmt.Sprintf("%s:%d.%d", dev.BusId, dev.ConfigValue, num)
	if _, err := fs.Stat(s.fsys, path.Join(usbDevicesDir, name)); err != nil {
		return nil, errors.Wrapf(ErrNoSuchInterface, "interface %d (%s)", num, name)
	}
	return &Interface{Name: name, Number: num}, nil
}

// Driver returns the name of the kernel driver currently bound to the
// interface, read from the DRIVER key of the interface uevent.
func (s *Store) Driver(iface *Interface) (string, error) {
	content, err := fs.ReadFile(s.fsys, path.Join(usbDevicesDir, iface.Name, "uevent"))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read uevent of %s", iface.Name)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		if name, found := strings.CutPrefix(scanner.Text(), "DRIVER="); found {
			return name, nil
		}
	}
	return "", errors.Wrapf(ErrDriverNotAttached, "interface %s", iface.Name)
}

// Unbind releases the interface from its current kernel driver by writing
// the interface name to the driver's unbind attribute. Fails with
// ErrDriverNotAttached if nothing is bound.
func (s *Store) Unbind(iface *Interface) error {
	if _, err := s.Driver(iface); err != nil {
		return err
	}
	unbindPath := path.Join(usbDevicesDir, iface.Name, "driver", "unbind")
	return s.writeStringToFile(unbindPath, iface.Name)
}

// Bind hands the interface to the named kernel driver.
func (s *Store) Bind(driverName string, iface *Interface) error {
	bindPath := path.Join(usbDriversDir, driverName, "bind")
	return s.writeStringToFile(bindPath, iface.Name)
}

func (s *Store) writeStringToFile(path string, content string) error {
	f, err := os.OpenFile(filepath.Join(s.writeRoot, path), os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", path)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	_, err = f.WriteString(content)
	if err != nil {
		return errors.Wrapf(err, "failed to write command to %s", path)
	}
	return nil
}
