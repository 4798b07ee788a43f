package boot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

const secureBootVar = "/sys/firmware/efi/efivars/SecureBoot-8be4df61-93ca-11d2-aa0d-00e098032b8c"

// LinuxPlatform reads images from files and posture from sysfs and procfs.
type LinuxPlatform struct {
	Images        map[ImageKind]string
	SignaturePath string

	root string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewLinuxPlatform(images map[ImageKind]string, signaturePath string) *LinuxPlatform {
	return &LinuxPlatform{
		Images:        images,
		SignaturePath: signaturePath,
		run:           execWithTimeout,
	}
}

func (p *LinuxPlatform) path(rel string) string {
	return p.root + rel
}

func (p *LinuxPlatform) OpenImage(_ context.Context, kind ImageKind) (io.ReadCloser, error) {
	path, ok := p.Images[kind]
	if !ok || path == "" {
		return nil, fmt.Errorf("no path configured for %s", kind)
	}
	return os.Open(path)
}

func (p *LinuxPlatform) FirmwareSignature(context.Context) ([]byte, error) {
	if p.SignaturePath == "" {
		return nil, fmt.Errorf("no signature path configured")
	}
	return os.ReadFile(p.SignaturePath)
}

// DebugInterfaceEnabled reports an attached tracer, or a kernel with lockdown
// off and unrestricted ptrace.
func (p *LinuxPlatform) DebugInterfaceEnabled(context.Context) (bool, error) {
	if pid, err := p.tracerPID(); err == nil && pid != "0" {
		return true, nil
	}

	lockdown, err := os.ReadFile(p.path("/sys/kernel/security/lockdown"))
	lockdownOff := err != nil || bytes.Contains(lockdown, []byte("[none]"))

	scope, err := os.ReadFile(p.path("/proc/sys/kernel/yama/ptrace_scope"))
	ptraceOpen := err != nil || strings.TrimSpace(string(scope)) == "0"

	return lockdownOff && ptraceOpen, nil
}

func (p *LinuxPlatform) tracerPID() (string, error) {
	f, err := os.Open(p.path("/proc/self/status"))
	if err != nil {
		return "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "TracerPid:"); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("TracerPid not found")
}

func (p *LinuxPlatform) SecurityFlags(ctx context.Context) (Flags, error) {
	flags := Flags{}

	// Last byte of the EFI variable is the value: 1 = enabled.
	data, err := os.ReadFile(p.path(secureBootVar))
	if err == nil && len(data) > 4 {
		flags.SecureBoot = data[len(data)-1] == 1
	}

	if _, err := os.Stat(p.path("/dev/tpm0")); err == nil {
		flags.TPMPresent = true
		flags.TPMVersion = "2.0"
	} else if _, err := os.Stat(p.path("/dev/tpmrm0")); err == nil {
		flags.TPMPresent = true
		flags.TPMVersion = "2.0"
	}

	flags.FlashEncryption = p.rootEncrypted(ctx)
	return flags, nil
}

// rootEncrypted looks for a LUKS or dm-crypt volume backing the root.
func (p *LinuxPlatform) rootEncrypted(ctx context.Context) bool {
	out, err := p.run(ctx, "lsblk", "-o", "NAME,TYPE,FSTYPE", "-J")
	if err != nil {
		_, statErr := os.Stat(p.path("/dev/mapper/cryptroot"))
		return statErr == nil
	}

	var lsblk struct {
		Blockdevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(out, &lsblk); err != nil {
		return false
	}
	return anyCrypt(lsblk.Blockdevices)
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	FSType   string        `json:"fstype"`
	Children []lsblkDevice `json:"children"`
}

func anyCrypt(devs []lsblkDevice) bool {
	for _, dev := range devs {
		if dev.FSType == "crypto_LUKS" || dev.Type == "crypt" {
			return true
		}
		if anyCrypt(dev.Children) {
			return true
		}
	}
	return false
}

// commandTimeout bounds every external command.
var commandTimeout = 5 * time.Second

func execWithTimeout(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
