package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/javanstorm/vmstate/pkg/hypervisor"
)

// Config holds all vmstate configuration.
type Config struct {
	// Driver selects the machine driver: "qemu" or "vz".
	Driver string `mapstructure:"driver"`

	// AssetDir is the base for the relative paths below.
	AssetDir string `mapstructure:"asset_dir"`

	// ContentDir holds the compressed segments.
	ContentDir string `mapstructure:"content_dir"`

	// Manifest is the root filesystem manifest (fs.json).
	Manifest string `mapstructure:"manifest"`

	// Output is where the snapshot is written.
	Output string `mapstructure:"output"`

	// CPUs is the number of virtual CPUs.
	CPUs int `mapstructure:"cpus"`

	// MemoryMB is the guest memory in megabytes.
	MemoryMB int `mapstructure:"memory_mb"`

	// Cmdline is the kernel command line.
	Cmdline string `mapstructure:"cmdline"`

	// Kernel and Initrd override the boot files found in the root
	// filesystem.
	Kernel string `mapstructure:"kernel"`
	Initrd string `mapstructure:"initrd"`

	// EnableNetwork attaches a NAT network.
	EnableNetwork bool `mapstructure:"enable_network"`

	// RouterIP and GuestIP place the guest behind the NAT router.
	RouterIP string `mapstructure:"router_ip"`
	GuestIP  string `mapstructure:"guest_ip"`

	// MACAddress is an optional custom MAC address (empty = auto-generate).
	MACAddress string `mapstructure:"mac_address"`

	// Marker is the console text that means the guest has booted.
	Marker string `mapstructure:"marker"`

	// FlushCommand is typed into the guest after boot.
	FlushCommand string `mapstructure:"flush_command"`

	// SettleDelay is the wait between the flush and the capture.
	SettleDelay time.Duration `mapstructure:"settle_delay"`

	// EchoConsole copies guest console output to stdout.
	EchoConsole bool `mapstructure:"echo_console"`

	// QEMUBinary, VirtiofsdBinary and Accel configure the qemu driver.
	QEMUBinary      string `mapstructure:"qemu_binary"`
	VirtiofsdBinary string `mapstructure:"virtiofsd_binary"`
	Accel           string `mapstructure:"accel"`

	// WorkDir holds the FUSE mountpoint and driver files. Empty means a
	// temporary directory.
	WorkDir string `mapstructure:"work_dir"`

	// AllowOther exposes the FUSE mount to other users, needed when
	// the emulator runs as a different user.
	AllowOther bool `mapstructure:"allow_other"`
}

// DefaultConfig returns a Config reproducing the stock Alpine build.
func DefaultConfig() *Config {
	return &Config{
		Driver:          defaultDriver(),
		AssetDir:        "dist",
		ContentDir:      "alpine-rootfs-flat",
		Manifest:        "alpine-fs.json",
		Output:          "alpine-state.bin",
		CPUs:            1,
		MemoryMB:        512,
		Cmdline:         "rw root=host9p rootfstype=9p rootflags=trans=virtio,cache=loose modules=virtio_pci tsc=reliable init_on_free=on",
		EnableNetwork:   true,
		RouterIP:        "192.168.86.1",
		GuestIP:         "192.168.86.200",
		Marker:          ":~# ",
		FlushCommand:    "sync;echo 3 >/proc/sys/vm/drop_caches\n",
		SettleDelay:     10 * time.Second,
		EchoConsole:     true,
		QEMUBinary:      hypervisor.DefaultQEMUBinary,
		VirtiofsdBinary: hypervisor.DefaultVirtiofsdBinary,
		Accel:           hypervisor.DefaultAccel(),
	}
}

func defaultDriver() string {
	if runtime.GOOS == "darwin" {
		return hypervisor.DriverVZ
	}
	return hypervisor.DefaultDriver()
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults into
// Global, using the global viper instance so bound flags take effect.
func Load() error {
	var dirs []string
	if paths, err := GetPaths(); err == nil {
		dirs = append(dirs, paths.ConfigDir)
	}

	cfg, err := LoadFrom(viper.GetViper(), dirs...)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// LoadFrom reads configuration through v. config.yaml is looked up in
// the working directory, then in dirs.
func LoadFrom(v *viper.Viper, dirs ...string) (*Config, error) {
	defaults := DefaultConfig()
	v.SetDefault("driver", defaults.Driver)
	v.SetDefault("asset_dir", defaults.AssetDir)
	v.SetDefault("content_dir", defaults.ContentDir)
	v.SetDefault("manifest", defaults.Manifest)
	v.SetDefault("output", defaults.Output)
	v.SetDefault("cpus", defaults.CPUs)
	v.SetDefault("memory_mb", defaults.MemoryMB)
	v.SetDefault("cmdline", defaults.Cmdline)
	v.SetDefault("kernel", defaults.Kernel)
	v.SetDefault("initrd", defaults.Initrd)
	v.SetDefault("enable_network", defaults.EnableNetwork)
	v.SetDefault("router_ip", defaults.RouterIP)
	v.SetDefault("guest_ip", defaults.GuestIP)
	v.SetDefault("mac_address", defaults.MACAddress)
	v.SetDefault("marker", defaults.Marker)
	v.SetDefault("flush_command", defaults.FlushCommand)
	v.SetDefault("settle_delay", defaults.SettleDelay)
	v.SetDefault("echo_console", defaults.EchoConsole)
	v.SetDefault("qemu_binary", defaults.QEMUBinary)
	v.SetDefault("virtiofsd_binary", defaults.VirtiofsdBinary)
	v.SetDefault("accel", defaults.Accel)
	v.SetDefault("work_dir", defaults.WorkDir)
	v.SetDefault("allow_other", defaults.AllowOther)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}

	// Environment variable support: VMSTATE_DRIVER, VMSTATE_MEMORY_MB, etc.
	v.SetEnvPrefix("VMSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - not an error if missing)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
