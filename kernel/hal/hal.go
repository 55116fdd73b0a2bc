// Package hal detects the hardware the kernel depends on and connects the
// console driver to the kernel and user output paths.
package hal

import (
	"bytes"
	"io"
	"lunaviel/device"
	"lunaviel/kernel/config"
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/proc"
	"sort"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	// the following functions are mocked by tests.
	setOutputSinkFn  = kfmt.SetOutputSink
	setConsoleSinkFn = proc.SetConsoleSink
)

// ActiveConsole returns the device that receives kernel and user console
// output or nil if no console has been attached.
func ActiveConsole() io.Writer {
	return devices.activeConsole
}

// ActiveDrivers returns the drivers that were successfully initialized.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers. The first initialized driver that can accept output becomes the
// console unless the console is disabled by cfg.
func DetectHardware(cfg config.Config) {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers, cfg)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList, cfg config.Config) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		devices.activeDrivers = append(devices.activeDrivers, drv)

		if onDriverInit(drv, cfg) {
			// Buffered output was flushed to the new console; keep
			// the remaining driver logs going to the same place.
			w.Sink = kfmt.GetOutputSink()
		}
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. It returns true if drv became the console.
func onDriverInit(drv device.Driver, cfg config.Config) bool {
	cons, ok := drv.(io.Writer)
	if !ok || devices.activeConsole != nil || cfg.Console == config.ConsoleNone {
		return false
	}

	devices.activeConsole = cons
	setOutputSinkFn(cons)
	setConsoleSinkFn(cons)
	return true
}
