package netprobe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Unknown is reported for any value the probe cannot determine. Probing is
// best-effort and never fails.
const Unknown = "Unknown"

// preferredInterfaces is the probe order for picking the primary LAN interface.
var preferredInterfaces = []string{"en0", "en1", "eth0", "wlan0"}

// onlineProbeHost is resolved to decide best-effort online-ness.
const onlineProbeHost = "dns.google"

const maxPortScan = 10

// Info is a snapshot of the host's primary network identity.
type Info struct {
	PrimaryIP string
	Interface string
	Segment   string // /24 segment of the primary IP, informational only
	Online    bool
}

// Probe gathers the primary IPv4, its interface, the derived /24 segment and
// best-effort online-ness. Unknown values are reported as "Unknown".
func Probe(ctx context.Context) Info {
	info := Info{
		PrimaryIP: Unknown,
		Interface: Unknown,
		Segment:   Unknown,
	}
	ip, iface, err := PrimaryIPv4()
	if err == nil {
		info.PrimaryIP = ip
		info.Interface = iface
		info.Segment = segment(ip)
	}
	info.Online = online(ctx)
	return info
}

// PrimaryIPv4 returns the primary LAN IPv4 address and its interface name.
// Interfaces are probed in preference order; any non-loopback IPv4 is the
// fallback.
func PrimaryIPv4() (string, string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", "", fmt.Errorf("list interfaces: %w", err)
	}

	byName := make(map[string]net.Interface, len(ifaces))
	for _, ifc := range ifaces {
		byName[ifc.Name] = ifc
	}

	for _, name := range preferredInterfaces {
		ifc, ok := byName[name]
		if !ok {
			continue
		}
		if ip := interfaceIPv4(ifc); ip != "" {
			return ip, ifc.Name, nil
		}
	}

	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		if ip := interfaceIPv4(ifc); ip != "" {
			return ip, ifc.Name, nil
		}
	}

	return "", "", fmt.Errorf("no non-loopback IPv4 interface found")
}

func interfaceIPv4(ifc net.Interface) string {
	addrs, err := ifc.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		return ip4.String()
	}
	return ""
}

// segment returns the textual /24 network of an IPv4 address.
func segment(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return Unknown
	}
	return strings.Join(parts[:3], ".") + ".0/24"
}

func online(ctx context.Context) bool {
	resolveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := net.DefaultResolver.LookupHost(resolveCtx, onlineProbeHost)
	return err == nil
}

// PortAvailable reports whether a TCP port can be bound on all interfaces.
func PortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindFreePort returns the first available port in [start, start+10).
func FindFreePort(start int) (int, error) {
	for port := start; port < start+maxPortScan; port++ {
		if PortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, start+maxPortScan-1)
}

// WebSocketURL formats the advertised sync endpoint.
func WebSocketURL(ip string, port int) string {
	return fmt.Sprintf("ws://%s:%d", ip, port)
}
