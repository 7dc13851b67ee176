//go:build !darwin

package hypervisor

func newVZMachine(cfg *MachineConfig) (Machine, error) {
	return nil, ErrUnsupportedPlatform
}
