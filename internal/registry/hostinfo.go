package registry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/tidwall/gjson"
)

// HostInfo identifies the machine an instance runs on. It rides inside the
// lease payload so conflict errors can say who holds the slot.
type HostInfo struct {
	Hostname    string
	IPAddress   string
	CountryCode string
}

// CollectHostInfo gathers hostname and a non-loopback IPv4 address.
// Geo enrichment is separate; see LookupGeo.
func CollectHostInfo() (HostInfo, error) {
	info, err := host.Info()
	if err != nil {
		return HostInfo{}, fmt.Errorf("reading host info: %w", err)
	}
	hi := HostInfo{Hostname: info.Hostname}
	hi.IPAddress = localIPv4()
	return hi, nil
}

// localIPv4 returns the first global unicast IPv4 bound to an interface,
// empty when none is found. The IP is advisory diagnostic data.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil && v4.IsGlobalUnicast() {
			return v4.String()
		}
	}
	return ""
}

// LookupGeo queries a geo endpoint (ipinfo-style JSON) and fills in the
// public IP and country code. Best effort: errors leave hi untouched.
func LookupGeo(ctx context.Context, url string, hi *HostInfo) error {
	if url == "" {
		return nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building geo request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying geo endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geo endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("reading geo response: %w", err)
	}

	if ip := gjson.GetBytes(body, "ip"); ip.Exists() {
		hi.IPAddress = ip.String()
	}
	if country := gjson.GetBytes(body, "country"); country.Exists() {
		hi.CountryCode = country.String()
	}
	return nil
}
