package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter shared by every socket.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // sockets that reached the connected state
	ClosedConns atomic.Int64 // connected sockets that went away
	PacketsSent atomic.Int64 // outbound packets fully written
	PacketsRecv atomic.Int64 // inbound packets carved from the stream
	BytesSent   atomic.Int64 // bytes written to sockets
	BytesRecv   atomic.Int64 // bytes read from sockets
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) PacketOut()    { s.PacketsSent.Add(1) }
func (s *stats) PacketIn()     { s.PacketsRecv.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalConns, ClosedConns  int64
	PacketsSent, PacketsRecv int64
	BytesSent, BytesRecv     int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		TotalConns:  s.TotalConns.Load(),
		ClosedConns: s.ClosedConns.Load(),
		PacketsSent: s.PacketsSent.Load(),
		PacketsRecv: s.PacketsRecv.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

// RegisterMetrics exposes the counters in Stats on reg under the "tcphub"
// namespace. Values are read from the atomics at scrape time.
func RegisterMetrics(reg prometheus.Registerer) error {
	counters := []struct {
		name, help string
		v          *atomic.Int64
	}{
		{"connections_total", "Sockets that completed the connect phase.", &Stats.TotalConns},
		{"disconnections_total", "Connected sockets that were closed.", &Stats.ClosedConns},
		{"packets_sent_total", "Outbound packets fully written.", &Stats.PacketsSent},
		{"packets_received_total", "Inbound packets decoded.", &Stats.PacketsRecv},
		{"bytes_sent_total", "Bytes written to sockets.", &Stats.BytesSent},
		{"bytes_received_total", "Bytes read from sockets.", &Stats.BytesRecv},
	}
	for _, c := range counters {
		v := c.v
		cf := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "tcphub",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) })
		if err := reg.Register(cf); err != nil {
			return err
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()

				outS := float64(cur.BytesSent-prev.BytesSent) / secs
				inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
				inC := cur.TotalConns - prev.TotalConns
				outC := cur.ClosedConns - prev.ClosedConns

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
	)
}
