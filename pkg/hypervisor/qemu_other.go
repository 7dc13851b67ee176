//go:build !linux

package hypervisor

func newQEMUMachine(cfg *MachineConfig) (Machine, error) {
	return nil, ErrUnsupportedPlatform
}
