package router

import (
	"bytes"
	"net"
	"strings"
)

// RealIP resolves the client address of a connection from the bytes it sent
// first. Every CRLF-separated line containing marker (compared
// case-insensitively) is a candidate; the last one wins and its first
// comma-separated value is used. Without a usable header line the peer
// host of remote is returned.
func RealIP(initial, marker []byte, remote net.Addr) string {
	ip := ""
	if len(marker) > 0 {
		for _, line := range bytes.Split(initial, []byte("\r\n")) {
			i := bytes.Index(bytes.ToLower(line), marker)
			if i < 0 {
				continue
			}
			value := string(line[i+len(marker):])
			first, _, _ := strings.Cut(value, ",")
			if first = strings.TrimSpace(first); first != "" {
				ip = first
			}
		}
	}
	if ip != "" {
		return ip
	}
	return peerHost(remote)
}

func peerHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// WorkerIndex maps ip onto an ordinal in [0, n): the sum of its bytes
// modulo n. It returns 0 when n <= 0.
func WorkerIndex(ip string, n int) int {
	if n <= 0 {
		return 0
	}
	sum := 0
	for i := 0; i < len(ip); i++ {
		sum += int(ip[i])
	}
	return sum % n
}
