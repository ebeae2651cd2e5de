package sysfs

import (
	baseerrors "errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func katanaFS() fstest.MapFS {
	return fstest.MapFS{
		"bus/usb/devices/usb3/idVendor":            {Data: []byte("1d6b\n")},
		"bus/usb/devices/usb3/idProduct":           {Data: []byte("0002\n")},
		"bus/usb/devices/usb3/bConfigurationValue": {Data: []byte("1\n")},
		"bus/usb/devices/3-2/idVendor":             {Data: []byte("041e\n")},
		"bus/usb/devices/3-2/idProduct":            {Data: []byte("3247\n")},
		"bus/usb/devices/3-2/bConfigurationValue":  {Data: []byte("1\n")},
		"bus/usb/devices/3-2:1.0/uevent": {Data: []byte(
			"DEVTYPE=usb_interface\nDRIVER=snd-usb-audio\nINTERFACE=1/1/0\n",
		)},
		"bus/usb/devices/3-2:1.1/uevent": {Data: []byte(
			"DEVTYPE=usb_interface\nDRIVER=snd-usb-audio\nINTERFACE=1/2/0\n",
		)},
		"bus/usb/devices/3-2:1.2/uevent": {Data: []byte(
			"DEVTYPE=usb_interface\nINTERFACE=3/0/0\n",
		)},
	}
}

func TestFindDevice(t *testing.T) {
	for _, tc := range []struct {
		name    string
		fs      fstest.MapFS
		vendor  USBID
		product USBID
		want    Device
		err     error
	}{
		{
			name:    "katana present",
			fs:      katanaFS(),
			vendor:  0x041e,
			product: 0x3247,
			want:    Device{BusId: "3-2", Vendor: 0x041e, Product: 0x3247, ConfigValue: 1},
		},
		{
			name:    "root hub by id",
			fs:      katanaFS(),
			vendor:  0x1d6b,
			product: 0x0002,
			want:    Device{BusId: "usb3", Vendor: 0x1d6b, Product: 0x0002, ConfigValue: 1},
		},
		{
			name:    "no match",
			fs:      katanaFS(),
			vendor:  0xdead,
			product: 0xbeef,
			err:     ErrDeviceNotFound,
		},
		{
			name:    "sysfs unreadable",
			fs:      fstest.MapFS{},
			vendor:  0x041e,
			product: 0x3247,
			err:     baseerrors.New("failed to read usb sysdir"),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore(tc.fs, "", nil)
			dev, err := store.FindDevice(tc.vendor, tc.product)
			if (err != nil) != (tc.err != nil) {
				t.Fatalf("expected error %v; got %v", tc.err, err)
			}
			if err != nil {
				if baseerrors.Is(tc.err, ErrDeviceNotFound) && !baseerrors.Is(err, ErrDeviceNotFound) {
					t.Errorf("expected ErrDeviceNotFound; got %v", err)
				}
				return
			}
			if *dev != tc.want {
				t.Errorf("got %v; want %v", *dev, tc.want)
			}
		})
	}
}

func TestFindDeviceUnconfigured(t *testing.T) {
	fsys := katanaFS()
	delete(fsys, "bus/usb/devices/3-2/bConfigurationValue")

	store := NewStore(fsys, "", nil)
	if _, err := store.FindDevice(0x041e, 0x3247); err == nil {
		t.Error("expected error for device without active configuration")
	}
}

func TestInterfaceLookup(t *testing.T) {
	store := NewStore(katanaFS(), "", nil)
	dev, err := store.FindDevice(0x041e, 0x3247)
	if err != nil {
		t.Fatal(err)
	}

	iface, err := store.Interface(dev, 0)
	if err != nil {
		t.Fatal(err)
	}
	if iface.Name != "3-2:1.0" || iface.Number != 0 {
		t.Errorf("got %v; want 3-2:1.0", iface)
	}

	if _, err := store.Interface(dev, 5); !baseerrors.Is(err, ErrNoSuchInterface) {
		t.Errorf("expected ErrNoSuchInterface; got %v", err)
	}
}

func TestDriverName(t *testing.T) {
	store := NewStore(katanaFS(), "", nil)

	driver, err := store.Driver(&Interface{Name: "3-2:1.1", Number: 1})
	if err != nil {
		t.Fatal(err)
	}
	if driver != "snd-usb-audio" {
		t.Errorf("got driver %q; want snd-usb-audio", driver)
	}

	if _, err := store.Driver(&Interface{Name: "3-2:1.2", Number: 2}); !baseerrors.Is(err, ErrDriverNotAttached) {
		t.Errorf("expected ErrDriverNotAttached; got %v", err)
	}

	if _, err := store.Driver(&Interface{Name: "3-2:1.9", Number: 9}); err == nil {
		t.Error("expected error for missing interface node")
	}
}

// writableSysRoot mirrors the katanaFS fixture into a real directory so the
// write paths can be exercised.
func writableSysRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	for name, file := range katanaFS() {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, file.Data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	for _, attr := range []string{
		"bus/usb/devices/3-2:1.0/driver/unbind",
		"bus/usb/devices/3-2:1.1/driver/unbind",
		"bus/usb/drivers/snd-usb-audio/bind",
	} {
		p := filepath.Join(root, filepath.FromSlash(attr))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestUnbind(t *testing.T) {
	root := writableSysRoot(t)
	store := NewSysStore(root, nil)

	iface := &Interface{Name: "3-2:1.0", Number: 0}
	if err := store.Unbind(iface); err != nil {
		t.Fatal(err)
	}

	written, err := os.ReadFile(filepath.Join(root, "bus/usb/devices/3-2:1.0/driver/unbind"))
	if err != nil {
		t.Fatal(err)
	}
	if string(written) != "3-2:1.0" {
		t.Errorf("unbind command %q; want 3-2:1.0", written)
	}
}

func TestUnbindWithoutDriver(t *testing.T) {
	root := writableSysRoot(t)
	store := NewSysStore(root, nil)

	err := store.Unbind(&Interface{Name: "3-2:1.2", Number: 2})
	if !baseerrors.Is(err, ErrDriverNotAttached) {
		t.Errorf("expected ErrDriverNotAttached; got %v", err)
	}
}

func TestBind(t *testing.T) {
	root := writableSysRoot(t)
	store := NewSysStore(root, nil)

	iface := &Interface{Name: "3-2:1.0", Number: 0}
	if err := store.Bind("snd-usb-audio", iface); err != nil {
		t.Fatal(err)
	}

	written, err := os.ReadFile(filepath.Join(root, "bus/usb/drivers/snd-usb-audio/bind"))
	if err != nil {
		t.Fatal(err)
	}
	if string(written) != "3-2:1.0" {
		t.Errorf("bind command %q; want 3-2:1.0", written)
	}

	if err := store.Bind("no-such-driver", iface); err == nil {
		t.Error("expected error binding to unknown driver")
	}
}
