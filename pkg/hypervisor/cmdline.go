package hypervisor

import "strings"

// virtiofsCmdline rewrites a 9p root command line for a virtio-fs
// share: rootfstype becomes virtiofs and 9p transport flags are
// dropped. Other parameters are kept in order.
func virtiofsCmdline(cmdline string) string {
	fields := strings.Fields(cmdline)
	out := fields[:0]
	for _, f := range fields {
		switch {
		case f == "rootfstype=9p":
			out = append(out, "rootfstype=virtiofs")
		case strings.HasPrefix(f, "rootflags=") && strings.Contains(f, "trans="):
			continue
		default:
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}
