package commands

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bryanchriswhite/capturetool/internal/device"
	"github.com/bryanchriswhite/capturetool/internal/recording"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// resetFlags puts every flag back to its default between runs of the
// shared command tree
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace([]string{})
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "config.yaml")))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeRecording(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.rec")
	w, err := recording.Create(path, recording.Header{
		Session: "session-1",
		Device:  "test",
		Streams: []recording.StreamInfo{{
			Stream:      stream.Depth,
			Profile:     stream.Profile{Width: 2, Height: 1, FPS: 30, Format: stream.FormatZ16},
			Compression: recording.CompressionLow,
		}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	base := time.Unix(1700000000, 0)
	for i := 1; i <= frames; i++ {
		ts := base.Add(time.Duration(i) * 33 * time.Millisecond)
		if err := w.WriteFrame(stream.Depth, uint64(i), ts, []byte{byte(i), 0, byte(i), 0}); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func TestApplyCompression(t *testing.T) {
	tests := []struct {
		name    string
		specs   []string
		def     int
		want    []int
		wantErr bool
	}{
		{"default", nil, 1, []int{1, 1}, false},
		{"override one", []string{"color=3"}, 0, []int{0, 3}, false},
		{"case and spaces", []string{"DEPTH= 2"}, 0, []int{2, 0}, false},
		{"missing level", []string{"depth"}, 0, nil, true},
		{"level out of range", []string{"depth=4"}, 0, nil, true},
		{"not requested", []string{"fisheye=1"}, 0, nil, true},
		{"bad default", nil, 9, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs := []stream.Request{{ID: stream.Depth}, {ID: stream.Color}}
			err := applyCompression(reqs, tt.specs, tt.def)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("applyCompression failed: %v", err)
			}
			for i, want := range tt.want {
				if reqs[i].Compression != want {
					t.Errorf("%s compression = %d, want %d", reqs[i].ID, reqs[i].Compression, want)
				}
			}
		})
	}
}

type failingCloser struct {
	err    error
	closed int
}

func (c *failingCloser) Close() error {
	c.closed++
	return c.err
}

func TestCloseIntoReportsFailure(t *testing.T) {
	log := zerolog.Nop()
	flushErr := errors.New("record: failed to flush recording: no space left on device")

	var err error
	c := &failingCloser{err: flushErr}
	closeInto(c, "device context", &err, &log)
	if !errors.Is(err, flushErr) {
		t.Fatalf("error = %v, want the close error", err)
	}
	if c.closed != 1 {
		t.Errorf("Close called %d times, want 1", c.closed)
	}

	stopErr := errors.New("failed to stop device")
	err = stopErr
	closeInto(&failingCloser{err: flushErr}, "device context", &err, &log)
	if err != stopErr {
		t.Errorf("error = %v, want the earlier error kept", err)
	}

	err = nil
	closeInto(&failingCloser{}, "device context", &err, &log)
	if err != nil {
		t.Errorf("error = %v after a clean close", err)
	}
}

func TestCaptureWithoutStreamsReturnsEarly(t *testing.T) {
	out, err := run(t, "capture")
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if !strings.Contains(out, "streams: none") {
		t.Errorf("selection missing from output:\n%s", out)
	}
	if strings.Contains(out, "start capturing") {
		t.Errorf("capture started without streams:\n%s", out)
	}
}

func TestCapturePlayback(t *testing.T) {
	path := writeRecording(t, 5)

	out, err := run(t, "capture", "--mode", "playback", "--file", path,
		"--stream", "depth", "--frames", "3", "--real-time=false")
	if err != nil {
		t.Fatalf("capture failed: %v\n%s", err, out)
	}

	for _, want := range []string{
		"enabled streams:\n",
		"\tdepth - width:2, height:1, fps:30, pixel format:z16\n",
		"start capturing 3 frames\n",
		"done capturing\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "enabled streams:") > strings.Index(out, "start capturing") {
		t.Errorf("streams printed after the capture started:\n%s", out)
	}
}

func TestCaptureNoDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.rec")
	w, err := recording.Create(path, recording.Header{Device: "test"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	w.Close()

	_, err = run(t, "capture", "--mode", "playback", "--file", path, "--stream", "depth")
	if !errors.Is(err, device.ErrNoDevice) {
		t.Fatalf("capture error = %v, want ErrNoDevice", err)
	}
}

func TestCaptureRequiresFile(t *testing.T) {
	if _, err := run(t, "capture", "--mode", "record", "--stream", "depth"); err == nil {
		t.Fatal("record mode without --file succeeded")
	}
}

func TestCaptureRejectsUnknownFlag(t *testing.T) {
	if _, err := run(t, "capture", "--bogus"); err == nil {
		t.Fatal("unknown flag accepted")
	}
}

func TestInfo(t *testing.T) {
	path := writeRecording(t, 4)

	out, err := run(t, "info", path)
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	for _, want := range []string{
		"session: session-1",
		"device: test",
		"depth - width:2, height:1, fps:30, pixel format:z16, compression:1, frames:4",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigSetGet(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "set", "display.fps", "24", "--config", cfgPath})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config set failed: %v", err)
	}

	resetFlags(rootCmd)
	out.Reset()
	rootCmd.SetArgs([]string{"config", "get", "display.fps", "--config", cfgPath})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config get failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "24" {
		t.Errorf("config get = %q, want 24", out.String())
	}
}
