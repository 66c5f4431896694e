package volume

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/execx"
)

type fakeCommander struct {
	calls []string

	blkidOutput string
	blkidErr    error
	formatErr   error
	mountErr    error
}

func (f *fakeCommander) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, strings.Join(append([]string{name}, args...), " "))
	switch name {
	case "blkid":
		return []byte(f.blkidOutput), f.blkidErr
	case "mkfs.ext4":
		return nil, f.formatErr
	case "mount":
		return nil, f.mountErr
	default:
		return nil, nil
	}
}

type fixture struct {
	device     string
	mountPoint string
	mounts     string
	fstab      string
}

func newFixture(t *testing.T, devicePresent bool) fixture {
	t.Helper()
	dir := t.TempDir()

	f := fixture{
		device:     filepath.Join(dir, "sdh"),
		mountPoint: filepath.Join(dir, "data"),
		mounts:     filepath.Join(dir, "mounts"),
		fstab:      filepath.Join(dir, "fstab"),
	}

	if devicePresent {
		if err := os.WriteFile(f.device, nil, 0o600); err != nil {
			t.Fatalf("create device file: %v", err)
		}
	}
	if err := os.WriteFile(f.mounts, []byte("/dev/root / ext4 rw 0 0\n"), 0o644); err != nil {
		t.Fatalf("create mounts file: %v", err)
	}
	return f
}

func (f fixture) provisioner(commander execx.Commander) *Provisioner {
	return NewProvisioner(f.device, f.mountPoint, commander, zerolog.Nop(),
		WithMountTable(f.mounts), WithFstab(f.fstab))
}

func TestEnsure_AbsentDeviceDegrades(t *testing.T) {
	f := newFixture(t, false)
	commander := &fakeCommander{}

	state, err := f.provisioner(commander).Ensure(context.Background())
	if err != nil {
		t.Fatalf("absent device must not fail provisioning: %v", err)
	}
	if state.Kind != KindAbsent {
		t.Fatalf("unexpected state: %+v", state)
	}
	if len(commander.calls) != 0 {
		t.Fatalf("no commands should run without a device, got %v", commander.calls)
	}
	if _, err := os.Stat(f.fstab); !os.IsNotExist(err) {
		t.Fatalf("fstab should be untouched, stat err = %v", err)
	}
}

func TestEnsure_BlankDeviceIsFormattedAndMounted(t *testing.T) {
	f := newFixture(t, true)
	commander := &fakeCommander{blkidErr: &execx.Error{Command: "blkid", Code: 2}}

	state, err := f.provisioner(commander).Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	want := []string{
		"blkid -o value -s TYPE " + f.device,
		"mkfs.ext4 " + f.device,
		"mount " + f.device + " " + f.mountPoint,
	}
	if strings.Join(commander.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected commands:\n got %v\nwant %v", commander.calls, want)
	}

	if state.Kind != KindMounted || state.Filesystem != "ext4" || state.MountPoint != f.mountPoint {
		t.Fatalf("unexpected state: %+v", state)
	}

	fstab, err := os.ReadFile(f.fstab)
	if err != nil {
		t.Fatalf("read fstab: %v", err)
	}
	if want := f.device + " " + f.mountPoint + " ext4 defaults,nofail 0 2\n"; string(fstab) != want {
		t.Fatalf("unexpected fstab content: %q", fstab)
	}
}

func TestEnsure_FormattedDeviceIsNeverReformatted(t *testing.T) {
	f := newFixture(t, true)
	commander := &fakeCommander{blkidOutput: "ext4\n"}

	state, err := f.provisioner(commander).Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	for _, call := range commander.calls {
		if strings.HasPrefix(call, "mkfs") {
			t.Fatalf("device with a signature was reformatted: %v", commander.calls)
		}
	}
	if state.Kind != KindMounted || state.Filesystem != "ext4" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestEnsure_MountedPathIsLeftAlone(t *testing.T) {
	f := newFixture(t, true)
	mounts := "/dev/root / ext4 rw 0 0\n" + f.device + " " + f.mountPoint + " ext4 rw 0 0\n"
	if err := os.WriteFile(f.mounts, []byte(mounts), 0o644); err != nil {
		t.Fatalf("write mounts: %v", err)
	}
	if err := os.WriteFile(f.fstab, []byte("# empty\n"), 0o644); err != nil {
		t.Fatalf("write fstab: %v", err)
	}
	commander := &fakeCommander{}

	state, err := f.provisioner(commander).Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if state.Kind != KindMounted || state.Filesystem != "ext4" {
		t.Fatalf("unexpected state: %+v", state)
	}
	if len(commander.calls) != 0 {
		t.Fatalf("mounted path must be a no-op, ran %v", commander.calls)
	}

	fstab, err := os.ReadFile(f.fstab)
	if err != nil {
		t.Fatalf("read fstab: %v", err)
	}
	if string(fstab) != "# empty\n" {
		t.Fatalf("fstab modified on a no-op run: %q", fstab)
	}
}

func TestEnsure_MountTableMatchIsExact(t *testing.T) {
	f := newFixture(t, true)
	mounts := "/dev/sdx " + f.mountPoint + "2 ext4 rw 0 0\n"
	if err := os.WriteFile(f.mounts, []byte(mounts), 0o644); err != nil {
		t.Fatalf("write mounts: %v", err)
	}
	commander := &fakeCommander{blkidOutput: "ext4\n"}

	if _, err := f.provisioner(commander).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	mountCalls := 0
	for _, call := range commander.calls {
		if strings.HasPrefix(call, "mount ") {
			mountCalls++
		}
	}
	if mountCalls != 1 {
		t.Fatalf("a sibling mount point must not satisfy the check: %v", commander.calls)
	}
}

func TestEnsure_FstabEntryAppendedAtMostOnce(t *testing.T) {
	f := newFixture(t, true)
	seed := "LABEL=cloudimg-rootfs / ext4 defaults 0 1\n/dev/sdh " + f.mountPoint + " ext4 defaults,nofail 0 2\n"
	if err := os.WriteFile(f.fstab, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed fstab: %v", err)
	}
	commander := &fakeCommander{blkidOutput: "ext4\n"}

	if _, err := f.provisioner(commander).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	fstab, err := os.ReadFile(f.fstab)
	if err != nil {
		t.Fatalf("read fstab: %v", err)
	}
	if got := strings.Count(string(fstab), f.mountPoint); got != 1 {
		t.Fatalf("fstab mentions the path %d times:\n%s", got, fstab)
	}
}

func TestEnsure_FstabAppendStartsOnFreshLine(t *testing.T) {
	f := newFixture(t, true)
	if err := os.WriteFile(f.fstab, []byte("/dev/root / ext4 defaults 0 1"), 0o644); err != nil {
		t.Fatalf("seed fstab: %v", err)
	}
	commander := &fakeCommander{blkidErr: &execx.Error{Command: "blkid", Code: 2}}

	if _, err := f.provisioner(commander).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	fstab, err := os.ReadFile(f.fstab)
	if err != nil {
		t.Fatalf("read fstab: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(fstab)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 fstab lines, got %d:\n%s", len(lines), fstab)
	}
	if !strings.HasPrefix(lines[1], f.device+" ") {
		t.Fatalf("appended entry malformed: %q", lines[1])
	}
}

func TestEnsure_CommandFailuresAreFatal(t *testing.T) {
	cases := []struct {
		name      string
		commander *fakeCommander
	}{
		{
			name:      "signature probe fails",
			commander: &fakeCommander{blkidErr: &execx.Error{Command: "blkid", Code: 4}},
		},
		{
			name: "format fails",
			commander: &fakeCommander{
				blkidErr:  &execx.Error{Command: "blkid", Code: 2},
				formatErr: &execx.Error{Command: "mkfs.ext4", Code: 1},
			},
		},
		{
			name: "mount fails",
			commander: &fakeCommander{
				blkidOutput: "ext4\n",
				mountErr:    &execx.Error{Command: "mount", Code: 32},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			if _, err := f.provisioner(tc.commander).Ensure(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
