package tunnelworker

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// parseConfigBytesFromFile reads a standard WireGuard .conf file and
// produces the UAPI configuration string plus the netstack-relevant
// fields, adapted from the teacher's WireGuard config parser. AmneziaWG
// obfuscation fields (Jc, Jmin, Jmax, S1-S4, H1-H4) are silently ignored —
// this worker only ever hands amneziawg-go a plain WireGuard config.
func parseConfigBytesFromFile(path string) (*parsedConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	result := &parsedConfig{MTU: 1420}
	var uapi strings.Builder
	section := ""
	peerSeen := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			section = strings.ToLower(strings.Trim(line, "[] "))
			if section == "peer" && !peerSeen {
				peerSeen = true
				fmt.Fprint(&uapi, "replace_peers=true\n")
			}
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch section {
		case "interface":
			if err := parseWGInterfaceKey(key, value, result, &uapi); err != nil {
				return nil, fmt.Errorf("[Interface] %s: %w", key, err)
			}
		case "peer":
			if err := parseWGPeerKey(key, value, &uapi); err != nil {
				return nil, fmt.Errorf("[Peer] %s: %w", key, err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	result.UAPIConfig = uapi.String()
	return result, nil
}

func parseWGInterfaceKey(key, value string, cfg *parsedConfig, uapi *strings.Builder) error {
	switch strings.ToLower(key) {
	case "privatekey":
		h, err := wgBase64ToHex(value)
		if err != nil {
			return err
		}
		fmt.Fprintf(uapi, "private_key=%s\n", h)
	case "listenport":
		fmt.Fprintf(uapi, "listen_port=%s\n", value)
	case "address":
		for _, s := range wgSplitCSV(value) {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				ip, err2 := netip.ParseAddr(s)
				if err2 != nil {
					return fmt.Errorf("invalid address %q", s)
				}
				cfg.LocalAddresses = append(cfg.LocalAddresses, ip)
				continue
			}
			cfg.LocalAddresses = append(cfg.LocalAddresses, prefix.Addr())
		}
	case "dns":
		for _, s := range wgSplitCSV(value) {
			ip, err := netip.ParseAddr(s)
			if err != nil {
				return fmt.Errorf("invalid DNS %q", s)
			}
			cfg.DNSServers = append(cfg.DNSServers, ip)
		}
	case "mtu":
		var mtu int
		if _, err := fmt.Sscanf(value, "%d", &mtu); err != nil {
			return fmt.Errorf("invalid MTU %q", value)
		}
		cfg.MTU = mtu
	case "jc", "jmin", "jmax", "s1", "s2", "s3", "s4", "h1", "h2", "h3", "h4":
		// AmneziaWG obfuscation fields, ignored for standard WireGuard.
	}
	return nil
}

func parseWGPeerKey(key, value string, uapi *strings.Builder) error {
	switch strings.ToLower(key) {
	case "publickey":
		h, err := wgBase64ToHex(value)
		if err != nil {
			return err
		}
		fmt.Fprintf(uapi, "public_key=%s\n", h)
	case "presharedkey":
		h, err := wgBase64ToHex(value)
		if err != nil {
			return err
		}
		fmt.Fprintf(uapi, "preshared_key=%s\n", h)
	case "endpoint":
		fmt.Fprintf(uapi, "endpoint=%s\n", value)
	case "allowedips":
		for _, cidr := range wgSplitCSV(value) {
			fmt.Fprintf(uapi, "allowed_ip=%s\n", cidr)
		}
	case "persistentkeepalive":
		fmt.Fprintf(uapi, "persistent_keepalive_interval=%s\n", value)
	}
	return nil
}

func wgBase64ToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func wgSplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
