// SPDX-License-Identifier: GPL-2.0-only

package detach

import (
	baseerrors "errors"
	"fmt"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/katana-audio/katana-detach/sysfs"
)

// Identity of the Creative Sound BlasterX Katana.
const (
	DefaultVendor  sysfs.USBID = 0x041e
	DefaultProduct sysfs.USBID = 0x3247
)

// DefaultInterfaces is the order in which the Katana's interfaces are
// released: the control and streaming interfaces first, interface 0 last.
var DefaultInterfaces = []uint8{1, 2, 0}

const defaultName = "katana"

// Spec selects one device and the ordered list of interfaces to release.
// Zero values fall back to the Katana defaults.
type Spec struct {
	Name       string      `json:"name" yaml:"name"`
	Vendor     sysfs.USBID `json:"vendor" yaml:"vendor"`
	Product    sysfs.USBID `json:"product" yaml:"product"`
	Interfaces []uint8     `json:"interfaces" yaml:"interfaces"`
}

func (s Spec) WithDefaults() Spec {
	if s.Name == "" {
		s.Name = defaultName
	}
	if s.Vendor == 0 {
		s.Vendor = DefaultVendor
	}
	if s.Product == 0 {
		s.Product = DefaultProduct
	}
	if len(s.Interfaces) == 0 {
		s.Interfaces = append([]uint8(nil), DefaultInterfaces...)
	}
	return s
}

// Host is the view of the USB host-control collaborator the detacher needs.
// sysfs.Store satisfies it; tests use a fake.
type Host interface {
	FindDevice(vendor sysfs.USBID, product sysfs.USBID) (*sysfs.Device, error)
	Interface(dev *sysfs.Device, num uint8) (*sysfs.Interface, error)
	Driver(iface *sysfs.Interface) (string, error)
	Unbind(iface *sysfs.Interface) error
	Bind(driverName string, iface *sysfs.Interface) error
}

// Detacher releases a device's interfaces from their kernel drivers in spec
// order, aborting on the first failure.
type Detacher struct {
	host   Host
	logger log.Logger

	// ignoreUnbound treats interfaces with no bound driver as already
	// released instead of failing the run.
	ignoreUnbound bool

	// detached records, per interface number, the driver that was bound
	// before a successful unbind, so Rebind can restore it.
	detached map[uint8]string

	// metrics
	runsTotal     prometheus.Counter
	failuresTotal prometheus.Counter
	devicePresent prometheus.Gauge
}

func NewDetacher(host Host, ignoreUnbound bool, logger log.Logger, reg prometheus.Registerer) *Detacher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Detacher{
		host:          host,
		logger:        logger,
		ignoreUnbound: ignoreUnbound,
		detached:      map[uint8]string{},
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "katana_detach_runs_total",
			Help: "The total number of detach runs attempted.",
		}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "katana_detach_failures_total",
			Help: "The total number of detach runs that ended in failure.",
		}),
		devicePresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "katana_detach_device_present",
			Help: "Whether the targeted device was present during the last run.",
		}),
	}

	if reg != nil {
		reg.MustRegister(d.runsTotal, d.failuresTotal, d.devicePresent)
	}

	return d
}

// Run locates the device selected by spec and unbinds its interfaces in
// spec order. The first failure aborts the remaining interfaces.
func (d *Detacher) Run(spec Spec) error {
	spec = spec.WithDefaults()
	d.runsTotal.Inc()

	dev, err := d.host.FindDevice(spec.Vendor, spec.Product)
	if err != nil {
		d.devicePresent.Set(0)
		d.failuresTotal.Inc()
		return err
	}
	d.devicePresent.Set(1)

	for _, num := range spec.Interfaces {
		if err := d.detachInterface(dev, num); err != nil {
			d.failuresTotal.Inc()
			return err
		}
	}
	return nil
}

func (d *Detacher) detachInterface(dev *sysfs.Device, num uint8) error {
	iface, err := d.host.Interface(dev, num)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve interface %d of %s", num, dev.BusId)
	}

	driverName, err := d.host.Driver(iface)
	if err != nil {
		if baseerrors.Is(err, sysfs.ErrDriverNotAttached) && d.ignoreUnbound {
			_ = level.Debug(d.logger).Log("msg", "interface already released", "interface", num)
			return nil
		}
		return err
	}

	if err := d.host.Unbind(iface); err != nil {
		return errors.Wrapf(err, "failed to unbind interface %d of %s", num, dev.BusId)
	}
	d.detached[num] = driverName
	_ = level.Info(d.logger).Log("msg", "released interface from kernel driver", "interface", num, "driver", driverName)
	return nil
}

// Rebind hands every interface released by previous runs back to the driver
// it was bound to. Failures are collected rather than aborting the rest.
func (d *Detacher) Rebind(spec Spec) error {
	spec = spec.WithDefaults()
	if len(d.detached) == 0 {
		// nothing to do
		return nil
	}

	dev, err := d.host.FindDevice(spec.Vendor, spec.Product)
	if err != nil {
		return err
	}

	var errs []error
	for _, num := range spec.Interfaces {
		driverName, wasDetached := d.detached[num]
		if !wasDetached {
			continue
		}
		iface, err := d.host.Interface(dev, num)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.host.Bind(driverName, iface); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to rebind interface %d to %s", num, driverName))
			continue
		}
		delete(d.detached, num)
		_ = level.Info(d.logger).Log("msg", "restored kernel driver", "interface", num, "driver", driverName)
	}

	if totalErr := baseerrors.Join(errs...); totalErr != nil {
		return fmt.Errorf("there were errors rebinding some interfaces: %w", totalErr)
	}
	return nil
}
