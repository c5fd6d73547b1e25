// Package observability collects server counters and renders them as a
// protobuf Struct snapshot.
package observability

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Reason is why a connection was refused at admission.
type Reason uint8

const (
	RejectConnLimit Reason = iota
	RejectRateLimit
	RejectQueueFull
	numReasons
)

func (r Reason) String() string {
	switch r {
	case RejectConnLimit:
		return "conn_limit"
	case RejectRateLimit:
		return "rate_limit"
	case RejectQueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

var trackedStatus = [...]int{200, 400, 403, 404, 500}

var bucketLabels = [...]string{
	"lt_100us", "lt_500us", "lt_1ms", "lt_5ms", "lt_10ms",
	"lt_50ms", "lt_100ms", "lt_500ms", "lt_1s", "ge_1s",
}

// Stats holds server-wide counters. All methods are safe for concurrent use
// and are no-ops on a nil receiver.
type Stats struct {
	start time.Time

	accepted atomic.Uint64
	closed   atomic.Uint64
	evicted  atomic.Uint64
	rejected [numReasons]atomic.Uint64

	responses    [len(trackedStatus) + 1]atomic.Uint64 // last slot counts other codes
	bytesRead    atomic.Uint64
	bytesSent    atomic.Uint64
	writeAborts  atomic.Uint64
	processCount atomic.Uint64
	processTotal atomic.Uint64
	processMin   atomic.Uint64 // stored as ns+1, 0 means unset
	processMax   atomic.Uint64
	buckets      [len(bucketLabels)]atomic.Uint64
}

// NewStats creates a Stats whose uptime starts now.
func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

func (s *Stats) Accepted() {
	if s != nil {
		s.accepted.Add(1)
	}
}

func (s *Stats) Closed() {
	if s != nil {
		s.closed.Add(1)
	}
}

// Evicted counts idle connections reclaimed by the timer.
func (s *Stats) Evicted() {
	if s != nil {
		s.evicted.Add(1)
	}
}

func (s *Stats) Rejected(r Reason) {
	if s != nil && r < numReasons {
		s.rejected[r].Add(1)
	}
}

// Response counts a composed response by status code.
func (s *Stats) Response(code int) {
	if s == nil {
		return
	}
	for i, c := range trackedStatus {
		if c == code {
			s.responses[i].Add(1)
			return
		}
	}
	s.responses[len(trackedStatus)].Add(1)
}

// WriteAborted counts connections dropped because no response could be built.
func (s *Stats) WriteAborted() {
	if s != nil {
		s.writeAborts.Add(1)
	}
}

func (s *Stats) BytesRead(n int) {
	if s != nil && n > 0 {
		s.bytesRead.Add(uint64(n))
	}
}

func (s *Stats) BytesSent(n int) {
	if s != nil && n > 0 {
		s.bytesSent.Add(uint64(n))
	}
}

// ObserveProcessing records how long one parse-and-respond pass took.
func (s *Stats) ObserveProcessing(d time.Duration) {
	if s == nil {
		return
	}
	ns := uint64(max(d, 0))
	s.processCount.Add(1)
	s.processTotal.Add(ns)

	for {
		cur := s.processMin.Load()
		if cur != 0 && ns+1 >= cur {
			break
		}
		if s.processMin.CompareAndSwap(cur, ns+1) {
			break
		}
	}
	for {
		cur := s.processMax.Load()
		if ns <= cur {
			break
		}
		if s.processMax.CompareAndSwap(cur, ns) {
			break
		}
	}
	s.buckets[bucketIndex(d)].Add(1)
}

func bucketIndex(d time.Duration) int {
	switch {
	case d < 100*time.Microsecond:
		return 0
	case d < 500*time.Microsecond:
		return 1
	case d < time.Millisecond:
		return 2
	case d < 5*time.Millisecond:
		return 3
	case d < 10*time.Millisecond:
		return 4
	case d < 50*time.Millisecond:
		return 5
	case d < 100*time.Millisecond:
		return 6
	case d < 500*time.Millisecond:
		return 7
	case d < time.Second:
		return 8
	default:
		return 9
	}
}

// Snapshot returns the current counters as a Struct.
func (s *Stats) Snapshot() (*structpb.Struct, error) {
	if s == nil {
		return structpb.NewStruct(nil)
	}

	rejected := make(map[string]any, numReasons)
	for r := Reason(0); r < numReasons; r++ {
		rejected[r.String()] = s.rejected[r].Load()
	}

	responses := make(map[string]any, len(s.responses))
	for i, c := range trackedStatus {
		responses[strconv.Itoa(c)] = s.responses[i].Load()
	}
	responses["other"] = s.responses[len(trackedStatus)].Load()

	buckets := make(map[string]any, len(bucketLabels))
	for i, l := range bucketLabels {
		buckets[l] = s.buckets[i].Load()
	}

	count := s.processCount.Load()
	var avg, minNs uint64
	if count > 0 {
		avg = s.processTotal.Load() / count
	}
	if m := s.processMin.Load(); m > 0 {
		minNs = m - 1
	}

	return structpb.NewStruct(map[string]any{
		"uptime_seconds": time.Since(s.start).Seconds(),
		"connections": map[string]any{
			"accepted": s.accepted.Load(),
			"closed":   s.closed.Load(),
			"evicted":  s.evicted.Load(),
			"rejected": rejected,
		},
		"responses":    responses,
		"write_aborts": s.writeAborts.Load(),
		"bytes_read":   s.bytesRead.Load(),
		"bytes_sent":   s.bytesSent.Load(),
		"processing": map[string]any{
			"count":   count,
			"avg_ns":  avg,
			"min_ns":  minNs,
			"max_ns":  s.processMax.Load(),
			"buckets": buckets,
		},
	})
}

// Encode renders a snapshot as "json" (protojson) or "binary" (protobuf wire
// format).
func (s *Stats) Encode(format string) ([]byte, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("observability: snapshot: %w", err)
	}
	switch format {
	case "", "json":
		return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(snap)
	case "binary":
		return proto.Marshal(snap)
	default:
		return nil, fmt.Errorf("observability: unknown stats format %q", format)
	}
}
