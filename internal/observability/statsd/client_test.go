package statsd

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestMetricName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix, name, want string
	}{
		{"", " job/lifecycle ", "job_lifecycle"},
		{"researchq", "queue..depth", "researchq.queue.depth"},
		{"researchq", "multi  space", "researchq.multi__space"},
		{"researchq", "", ""},
		{"researchq", "...", "researchq"},
	}
	for _, tt := range tests {
		if got := metricName(tt.prefix, tt.name); got != tt.want {
			t.Fatalf("metricName(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestFormatMergesTags(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{
		Prefix: " .researchq. ",
		//nolint:gocritic // padded keys exercise trimming
		GlobalTags: map[string]string{"env": "prod", " mode ": " worker "},
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	got := c.format("job.lifecycle", "1", "c", map[string]string{
		"result": " success ",
		"":       "ignored",
		"env":    "stage",
	})
	want := "researchq.job.lifecycle:1|c|#env:stage,mode:worker,result:success"
	if got != want {
		t.Fatalf("format mismatch\n got: %q\nwant: %q", got, want)
	}
	if c.globalTags["env"] != "prod" {
		t.Fatal("per-call tags must not mutate global tags")
	}

	if got := (&Client{}).format("queue.depth", "3", "g", nil); got != "queue.depth:3|g" {
		t.Fatalf("untagged format = %q", got)
	}
}

func TestClientWritesOverUDP(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	c, err := NewClient(Config{Enabled: true, Address: pc.LocalAddr().String(), Prefix: "researchq"})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer c.Close()
	if !c.Enabled() {
		t.Fatal("expected client to be enabled")
	}

	c.Timing("job.duration", 1500*time.Microsecond, map[string]string{"result": "success"})

	buf := make([]byte, 512)
	if err := pc.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "researchq.job.duration:1.5|ms|#result:success" {
		t.Fatalf("unexpected packet %q", got)
	}
}

func TestClientCloseAndNil(t *testing.T) {
	t.Parallel()

	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	c := &Client{conn: clientConn}
	if !c.Enabled() {
		t.Fatal("expected Enabled with active connection")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if c.Enabled() {
		t.Fatal("expected disabled after Close")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	c.Count("after.close", 1, nil)

	var nilClient *Client
	nilClient.Gauge("x", 1, nil)
	if nilClient.Enabled() || nilClient.Close() != nil {
		t.Fatal("nil client should be a no-op")
	}
}

func TestNewClientDisabledWithoutAddress(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{Enabled: true, Address: "   "})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if c.Enabled() {
		t.Fatal("expected client to stay disabled when address is empty")
	}
}

func TestNewClientDialError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	if err == nil || !strings.Contains(err.Error(), "statsd dial") {
		t.Fatalf("expected dial error, got %v", err)
	}
}
