package mockdevice

import "rudaq/internal/registry"

// Factory names under which RegisterFactories registers this package's
// mock devices.
const (
	FactoryMotor   = "mock-motor"
	FactoryMeter   = "mock-meter"
	FactoryCamera  = "mock-camera"
	FactoryShutter = "mock-shutter"
)

// RegisterFactories registers every mock device factory in this package
// under its canonical name, for daemons and tests that want the full set
// without naming each one individually.
func RegisterFactories(reg *registry.Registry) error {
	if err := reg.RegisterFactory(FactoryMotor, MotorFactory{}); err != nil {
		return err
	}
	if err := reg.RegisterFactory(FactoryMeter, MeterFactory{}); err != nil {
		return err
	}
	if err := reg.RegisterFactory(FactoryCamera, CameraFactory{}); err != nil {
		return err
	}
	if err := reg.RegisterFactory(FactoryShutter, ShutterFactory{}); err != nil {
		return err
	}
	return nil
}
