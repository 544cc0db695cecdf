package router

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRealIP(t *testing.T) {
	peer := &net.TCPAddr{IP: net.ParseIP("192.168.1.9"), Port: 51234}
	marker := headerMarker(DefaultRealIPHeader)

	tests := []struct {
		name    string
		initial string
		marker  []byte
		want    string
	}{
		{
			name:    "forwarded header",
			initial: "GET / HTTP/1.1\r\nHost: a\r\nX-Forwarded-For: 10.0.0.5\r\n\r\n",
			marker:  marker,
			want:    "10.0.0.5",
		},
		{
			name:    "first of a proxy chain",
			initial: "GET / HTTP/1.1\r\nX-Forwarded-For: 10.0.0.5, 172.16.0.1, 172.16.0.2\r\n\r\n",
			marker:  marker,
			want:    "10.0.0.5",
		},
		{
			name:    "case insensitive",
			initial: "GET / HTTP/1.1\r\nx-forwarded-for:   10.0.0.7  \r\n\r\n",
			marker:  marker,
			want:    "10.0.0.7",
		},
		{
			name:    "last matching line wins",
			initial: "GET / HTTP/1.1\r\nX-Forwarded-For: 1.1.1.1\r\nX-Forwarded-For: 2.2.2.2\r\n\r\n",
			marker:  marker,
			want:    "2.2.2.2",
		},
		{
			name:    "no header falls back to peer",
			initial: "GET / HTTP/1.1\r\nHost: a\r\n\r\n",
			marker:  marker,
			want:    "192.168.1.9",
		},
		{
			name:    "empty header value falls back to peer",
			initial: "GET / HTTP/1.1\r\nX-Forwarded-For: \r\n\r\n",
			marker:  marker,
			want:    "192.168.1.9",
		},
		{
			name:    "no bytes falls back to peer",
			initial: "",
			marker:  marker,
			want:    "192.168.1.9",
		},
		{
			name:    "custom header",
			initial: "GET / HTTP/1.1\r\nX-Real-IP: 10.9.8.7\r\nX-Forwarded-For: 1.1.1.1\r\n\r\n",
			marker:  headerMarker("X-Real-IP"),
			want:    "10.9.8.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RealIP([]byte(tt.initial), tt.marker, peer))
		})
	}
}

func TestRealIPNonTCPPeer(t *testing.T) {
	assert.Equal(t, "", RealIP(nil, nil, nil))
	assert.Equal(t, "/tmp/sock", RealIP(nil, nil, &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
}

func TestWorkerIndex(t *testing.T) {
	// "10.0.0.5" sums to 384.
	tests := []struct {
		ip   string
		n    int
		want int
	}{
		{"10.0.0.5", 3, 0},
		{"10.0.0.5", 5, 4},
		{"10.0.0.5", 7, 6},
		{"10.0.0.5", 1, 0},
		{"10.0.0.5", 0, 0},
		{"10.0.0.5", -2, 0},
		{"", 4, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, WorkerIndex(tt.ip, tt.n), "WorkerIndex(%q, %d)", tt.ip, tt.n)
	}
}

// TestWorkerIndexDeterministic verifies repeated calls agree.
func TestWorkerIndexDeterministic(t *testing.T) {
	first := WorkerIndex("10.0.0.5", 3)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, WorkerIndex("10.0.0.5", 3))
	}
}
