package volume

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/execx"
)

// Kind is the probed state of the dedicated block device.
type Kind string

const (
	// KindAbsent means the device node does not exist on this host.
	KindAbsent Kind = "absent"
	// KindUnformatted means the device exists and carries no filesystem
	// signature.
	KindUnformatted Kind = "unformatted"
	// KindFormatted means the device carries a filesystem but is not
	// mounted at the data path.
	KindFormatted Kind = "formatted"
	// KindMounted means the data path is an active mount point.
	KindMounted Kind = "mounted"
)

// State describes the block device backing the data path.
type State struct {
	Kind       Kind
	Device     string
	Filesystem string
	MountPoint string
}

// blkid exits with status 2 when the probed device has no recognizable
// filesystem signature.
const blkidNoSignature = 2

// Provisioner converges a block device onto the data path: format when
// blank, mount when unmounted, persist the mount across reboots. A device
// carrying a filesystem signature is never reformatted.
type Provisioner struct {
	device     string
	mountPoint string
	commander  execx.Commander
	logger     zerolog.Logger

	mountTable string
	fstab      string
}

// Option adjusts a Provisioner.
type Option func(*Provisioner)

// WithMountTable overrides the mount table consulted for active mounts.
func WithMountTable(path string) Option {
	return func(p *Provisioner) {
		p.mountTable = path
	}
}

// WithFstab overrides the persistent mount table.
func WithFstab(path string) Option {
	return func(p *Provisioner) {
		p.fstab = path
	}
}

// NewProvisioner returns a Provisioner for the given device and data path.
func NewProvisioner(device, mountPoint string, commander execx.Commander, logger zerolog.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		device:     device,
		mountPoint: mountPoint,
		commander:  commander,
		logger:     logger,
		mountTable: "/proc/mounts",
		fstab:      "/etc/fstab",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ensure brings the device to the mounted state. A missing device is not an
// error: the host continues on its root volume and the returned state says
// so. Running Ensure against an already converged host changes nothing.
func (p *Provisioner) Ensure(ctx context.Context) (State, error) {
	observed, err := p.probe(ctx)
	if err != nil {
		return State{}, err
	}

	switch observed.Kind {
	case KindAbsent:
		p.logger.Warn().
			Str("device", p.device).
			Str("path", p.mountPoint).
			Msg("block device not present, data stays on the root volume")
		return observed, nil
	case KindMounted:
		p.logger.Debug().
			Str("device", p.device).
			Str("path", p.mountPoint).
			Msg("data path already mounted")
		return observed, nil
	case KindUnformatted:
		p.logger.Info().Str("device", p.device).Msg("formatting blank device as ext4")
		if _, err := p.commander.Run(ctx, "mkfs.ext4", p.device); err != nil {
			return State{}, fmt.Errorf("format %s: %w", p.device, err)
		}
		observed.Filesystem = "ext4"
	case KindFormatted:
		p.logger.Info().
			Str("device", p.device).
			Str("filesystem", observed.Filesystem).
			Msg("device carries a filesystem, skipping format")
	}

	if err := os.MkdirAll(p.mountPoint, 0o755); err != nil {
		return State{}, fmt.Errorf("create mount point %s: %w", p.mountPoint, err)
	}
	if _, err := p.commander.Run(ctx, "mount", p.device, p.mountPoint); err != nil {
		return State{}, fmt.Errorf("mount %s on %s: %w", p.device, p.mountPoint, err)
	}
	if err := p.persistMount(observed.Filesystem); err != nil {
		return State{}, err
	}

	p.logger.Info().
		Str("device", p.device).
		Str("path", p.mountPoint).
		Msg("device mounted")

	return State{
		Kind:       KindMounted,
		Device:     p.device,
		Filesystem: observed.Filesystem,
		MountPoint: p.mountPoint,
	}, nil
}

func (p *Provisioner) probe(ctx context.Context) (State, error) {
	if _, err := os.Stat(p.device); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{Kind: KindAbsent, Device: p.device}, nil
		}
		return State{}, fmt.Errorf("stat device %s: %w", p.device, err)
	}

	filesystem, mounted, err := p.activeMount()
	if err != nil {
		return State{}, err
	}
	if mounted {
		return State{
			Kind:       KindMounted,
			Device:     p.device,
			Filesystem: filesystem,
			MountPoint: p.mountPoint,
		}, nil
	}

	filesystem, err = p.signature(ctx)
	if err != nil {
		return State{}, err
	}
	if filesystem == "" {
		return State{Kind: KindUnformatted, Device: p.device}, nil
	}
	return State{Kind: KindFormatted, Device: p.device, Filesystem: filesystem}, nil
}

// activeMount reports whether the data path is a mount point in the live
// mount table, and the filesystem mounted there.
func (p *Provisioner) activeMount() (string, bool, error) {
	data, err := os.ReadFile(p.mountTable)
	if err != nil {
		return "", false, fmt.Errorf("read mount table: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] == p.mountPoint {
			return fields[2], true, nil
		}
	}
	return "", false, nil
}

func (p *Provisioner) signature(ctx context.Context) (string, error) {
	output, err := p.commander.Run(ctx, "blkid", "-o", "value", "-s", "TYPE", p.device)
	if err != nil {
		if execx.ExitCode(err) == blkidNoSignature {
			return "", nil
		}
		return "", fmt.Errorf("probe filesystem signature on %s: %w", p.device, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// persistMount appends an fstab entry for the data path unless one already
// mentions it. At most one entry per path ever accumulates.
func (p *Provisioner) persistMount(filesystem string) error {
	existing, err := os.ReadFile(p.fstab)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", p.fstab, err)
	}
	if strings.Contains(string(existing), p.mountPoint) {
		return nil
	}

	entry := fmt.Sprintf("%s %s %s defaults,nofail 0 2\n", p.device, p.mountPoint, filesystem)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		entry = "\n" + entry
	}

	file, err := os.OpenFile(p.fstab, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.fstab, err)
	}
	if _, err := file.WriteString(entry); err != nil {
		_ = file.Close()
		return fmt.Errorf("append to %s: %w", p.fstab, err)
	}
	return file.Close()
}
