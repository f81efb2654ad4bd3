package system

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// BootIDPath holds the kernel's per-boot random id.
const BootIDPath = "/proc/sys/kernel/random/boot_id"

// BootID returns the current kernel boot id read from path.
func BootID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read boot id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// BootTime returns when the host booted.
func BootTime() (time.Time, error) {
	secs, err := host.BootTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("boot time: %w", err)
	}
	return time.Unix(int64(secs), 0), nil
}

// Host implements domain.SystemAPI on a Linux host.
type Host struct{}

func (Host) Hostname() (string, error) {
	return os.Hostname()
}

// SetHostname applies name through hostnamectl, falling back to hostname(1).
func (Host) SetHostname(ctx context.Context, name string) error {
	if path, err := exec.LookPath("hostnamectl"); err == nil {
		out, err := exec.CommandContext(ctx, path, "set-hostname", name).CombinedOutput()
		if err == nil {
			return nil
		}
		if _, lookErr := exec.LookPath("hostname"); lookErr != nil {
			return fmt.Errorf("hostnamectl: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}
	out, err := exec.CommandContext(ctx, "hostname", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("hostname: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (Host) Reboot(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "shutdown", "-r", "now").CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// LocalIP returns the address of the interface holding the default route.
func LocalIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// PublicIP asks external echo services for this host's public address.
func PublicIP() string {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, url := range []string{
		"https://api.ipify.org",
		"https://ifconfig.me/ip",
		"https://icanhazip.com",
	} {
		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		ip := strings.TrimSpace(string(body))
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	return ""
}
