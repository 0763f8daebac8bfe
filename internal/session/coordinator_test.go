package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/capturetool/internal/stream"
)

type stubDevice struct {
	streaming atomic.Bool
	stops     atomic.Int32
	stopErr   error
}

func newStubDevice(streaming bool) *stubDevice {
	d := &stubDevice{}
	d.streaming.Store(streaming)
	return d
}

func (d *stubDevice) Stop() error {
	d.stops.Add(1)
	d.streaming.Store(false)
	return d.stopErr
}

func (d *stubDevice) IsStreaming() bool { return d.streaming.Load() }

var depthColor = []stream.ID{stream.Depth, stream.Color}

func TestQuotaRequiresEveryStream(t *testing.T) {
	cfg := Config{Frames: 5, Streams: depthColor}
	tests := []struct {
		name   string
		counts map[stream.ID]uint64
	}{
		{"none", map[stream.ID]uint64{}},
		{"one stream far over quota", map[stream.ID]uint64{stream.Depth: 1000}},
		{"other stream far over quota", map[stream.ID]uint64{stream.Color: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldStop(Snapshot{Streaming: true, Counts: tt.counts}, cfg)
			if got != Running {
				t.Errorf("ShouldStop = %v, want running", got)
			}
		})
	}
}

func TestShouldStopMonotonic(t *testing.T) {
	cfg := Config{Frames: 3, Duration: 2 * time.Second, Streams: depthColor}

	elapsed := []time.Duration{0, time.Second, 2 * time.Second, 2*time.Second + 1, 5 * time.Second}
	counts := []uint64{0, 1, 2, 3, 4}

	for _, interrupted := range []bool{false, true} {
		for i, e := range elapsed {
			for _, d := range counts {
				for _, c := range counts {
					base := snapshot(interrupted, e, d, c)
					if ShouldStop(base, cfg) == Running {
						continue
					}
					// Anything later or larger must also stop.
					for _, e2 := range elapsed[i:] {
						for _, d2 := range counts {
							for _, c2 := range counts {
								if d2 < d || c2 < c {
									continue
								}
								later := snapshot(interrupted, e2, d2, c2)
								if ShouldStop(later, cfg) == Running {
									t.Fatalf("stop flickered back: %+v stopped, %+v running", base, later)
								}
							}
						}
					}
				}
			}
		}
	}
}

func snapshot(interrupted bool, elapsed time.Duration, depth, color uint64) Snapshot {
	counts := make(map[stream.ID]uint64)
	if depth > 0 {
		counts[stream.Depth] = depth
	}
	if color > 0 {
		counts[stream.Color] = color
	}
	return Snapshot{Interrupted: interrupted, Streaming: true, Elapsed: elapsed, Counts: counts}
}

func TestQuotaExact(t *testing.T) {
	state := NewState()
	c := NewCoordinator(state, newStubDevice(true), Config{Frames: 10, Streams: depthColor}, nil)
	now := time.Now()
	c.start = now

	for i := 0; i < 9; i++ {
		state.RecordFrame(stream.Depth)
	}
	for i := 0; i < 10; i++ {
		state.RecordFrame(stream.Color)
	}
	if got := c.Evaluate(now); got != Running {
		t.Fatalf("depth=9 color=10: Evaluate = %v, want running", got)
	}

	state.RecordFrame(stream.Depth)
	if got := c.Evaluate(now); got != ConditionMet {
		t.Fatalf("depth=10 color=10: Evaluate = %v, want condition met", got)
	}
}

func TestDurationExact(t *testing.T) {
	c := NewCoordinator(NewState(), newStubDevice(true), Config{Duration: 2 * time.Second, Streams: depthColor}, nil)
	start := time.Unix(1700000000, 0)
	c.start = start

	tests := []struct {
		elapsed time.Duration
		want    Reason
	}{
		{0, Running},
		{time.Second, Running},
		{2 * time.Second, Running},
		{2*time.Second + time.Millisecond, ConditionMet},
		{time.Minute, ConditionMet},
	}
	for _, tt := range tests {
		if got := c.Evaluate(start.Add(tt.elapsed)); got != tt.want {
			t.Errorf("elapsed %v: Evaluate = %v, want %v", tt.elapsed, got, tt.want)
		}
	}
}

func TestInterruptOverridesEverything(t *testing.T) {
	state := NewState()
	c := NewCoordinator(state, newStubDevice(true), Config{Frames: 100, Duration: time.Hour, Streams: depthColor}, nil)
	c.start = time.Now()

	state.RequestShutdown("test")
	if got := c.Evaluate(c.start); got != Interrupted {
		t.Fatalf("Evaluate = %v, want interrupted", got)
	}
}

func TestInterruptWakesBeforeTick(t *testing.T) {
	state := NewState()
	dev := newStubDevice(true)
	c := NewCoordinator(state, dev, Config{Streams: depthColor}, nil)
	c.Interval = time.Hour

	done := make(chan Reason, 1)
	go func() {
		reason, _ := c.Run(context.Background())
		done <- reason
	}()

	time.Sleep(20 * time.Millisecond)
	requested := time.Now()
	state.RequestShutdown("test")

	select {
	case got := <-done:
		if got != Interrupted {
			t.Errorf("Run = %v, want interrupted", got)
		}
		if latency := time.Since(requested); latency > 500*time.Millisecond {
			t.Errorf("wake latency %v", latency)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not wake on shutdown request")
	}
	if got := dev.stops.Load(); got != 1 {
		t.Errorf("Stop called %d times, want 1", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	state := NewState()
	dev := newStubDevice(true)
	c := NewCoordinator(state, dev, Config{Streams: depthColor}, nil)

	if !state.RequestShutdown("first") {
		t.Fatal("first RequestShutdown returned false")
	}
	if state.RequestShutdown("second") {
		t.Fatal("second RequestShutdown returned true")
	}
	if got := state.ShutdownReason(); got != "first" {
		t.Errorf("ShutdownReason = %q, want first", got)
	}

	first, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	second, _ := c.Run(context.Background())
	if first != Interrupted || second != Interrupted {
		t.Errorf("Run = %v then %v, want interrupted twice", first, second)
	}
	if got := dev.stops.Load(); got != 1 {
		t.Errorf("Stop called %d times, want 1", got)
	}
}

func TestDeviceStoppedFallback(t *testing.T) {
	dev := newStubDevice(true)
	var out bytes.Buffer
	c := NewCoordinator(NewState(), dev, Config{Streams: depthColor}, &out)
	c.Interval = time.Millisecond

	go func() {
		time.Sleep(10 * time.Millisecond)
		dev.streaming.Store(false)
	}()

	if got, err := c.Run(context.Background()); got != DeviceStopped || err != nil {
		t.Fatalf("Run = %v, %v, want device stopped", got, err)
	}
	if got := dev.stops.Load(); got != 0 {
		t.Errorf("Stop called %d times on a stopped device", got)
	}
	if !strings.HasSuffix(out.String(), "done capturing\n") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunReturnsStopError(t *testing.T) {
	state := NewState()
	dev := newStubDevice(true)
	dev.stopErr = errors.New("record: failed to flush recording: no space left on device")
	var out bytes.Buffer
	c := NewCoordinator(state, dev, Config{Streams: depthColor}, &out)

	state.RequestShutdown("test")
	reason, err := c.Run(context.Background())
	if reason != Interrupted {
		t.Errorf("Run reason = %v, want interrupted", reason)
	}
	if !errors.Is(err, dev.stopErr) {
		t.Fatalf("Run error = %v, want the stop error", err)
	}
	if !strings.Contains(err.Error(), "no space left on device") {
		t.Errorf("error text = %q", err.Error())
	}
	if out.String() != "start capturing\ndone capturing\n" {
		t.Errorf("output = %q", out.String())
	}

	if _, again := c.Run(context.Background()); again != err {
		t.Errorf("second Run error = %v, want the first one", again)
	}
	if got := dev.stops.Load(); got != 1 {
		t.Errorf("Stop called %d times, want 1", got)
	}
}

func TestRunStopsWhenQuotaMet(t *testing.T) {
	state := NewState()
	dev := newStubDevice(true)
	c := NewCoordinator(state, dev, Config{Frames: 20, Streams: depthColor}, nil)
	c.Interval = time.Millisecond
	sink := NewSink(state, nil)

	var wg sync.WaitGroup
	quit := make(chan struct{})
	for _, id := range depthColor {
		wg.Add(1)
		go func(id stream.ID) {
			defer wg.Done()
			for dev.IsStreaming() {
				select {
				case <-quit:
					return
				default:
				}
				sink.OnFrame(testFrame(id))
				time.Sleep(100 * time.Microsecond)
			}
		}(id)
	}

	done := make(chan Reason, 1)
	go func() {
		reason, _ := c.Run(context.Background())
		done <- reason
	}()

	select {
	case got := <-done:
		if got != ConditionMet {
			t.Errorf("Run = %v, want condition met", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on quota")
	}
	close(quit)
	wg.Wait()

	for _, id := range depthColor {
		if n, _ := state.Count(id); n < 20 {
			t.Errorf("%s count = %d, want >= 20", id, n)
		}
	}
	if got := dev.stops.Load(); got != 1 {
		t.Errorf("Stop called %d times, want 1", got)
	}
}

func TestContextCancelInterrupts(t *testing.T) {
	state := NewState()
	c := NewCoordinator(state, newStubDevice(true), Config{Streams: depthColor}, nil)
	c.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got, _ := c.Run(ctx); got != Interrupted {
		t.Fatalf("Run = %v, want interrupted", got)
	}
	if state.ShutdownReason() == "" {
		t.Error("cancellation left no shutdown reason")
	}
}

func TestAnnouncement(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "start capturing"},
		{Config{Frames: 10}, "start capturing 10 frames"},
		{Config{Duration: 2 * time.Second}, "start capturing for 2 second"},
		{Config{Frames: 5, Duration: 1500 * time.Millisecond}, "start capturing 5 frames for 1.5 second"},
	}
	for _, tt := range tests {
		c := NewCoordinator(NewState(), newStubDevice(true), tt.cfg, nil)
		if got := c.announcement(); got != tt.want {
			t.Errorf("announcement(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}
