package mixdown_test

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mixdown/mixdown"
)

func TestPanGainsConstantPower(t *testing.T) {
	for i := -10; i <= 10; i++ {
		p := float32(i) / 10
		l, r := mixdown.PanGains(p)
		if d := l*l + r*r; math.Abs(float64(d-1)) > 1e-5 {
			t.Fatalf("pan %v: left² + right² = %v, want 1", p, d)
		}
	}
	l, r := mixdown.PanGains(0)
	if math.Abs(float64(l)-math.Sqrt2/2) > 1e-6 || math.Abs(float64(r)-math.Sqrt2/2) > 1e-6 {
		t.Fatalf("center pan gains = %v, %v, want √2/2 for both", l, r)
	}
	if l, r := mixdown.PanGains(-1); l != 1 || r > 1e-7 {
		t.Fatalf("hard left gains = %v, %v", l, r)
	}
}

func TestMixClampsToSmallerBuffer(t *testing.T) {
	dst := mixdown.MakeAudioBuffer(2, 4)
	src := mixdown.AudioBuffer{{1, 1, 1, 1, 1, 1}}
	mixdown.Mix(dst, src, 0.5)
	for i, v := range dst[0] {
		if v != 0.5 {
			t.Fatalf("dst[0][%d] = %v, want 0.5", i, v)
		}
	}
	for i, v := range dst[1] {
		if v != 0 {
			t.Fatalf("dst[1][%d] = %v, want untouched 0", i, v)
		}
	}
	mixdown.Mix(dst, mixdown.AudioBuffer{{1, 2}, {3, 4}}, 1)
	if dst[0][0] != 1.5 || dst[0][1] != 2.5 || dst[0][2] != 0.5 || dst[1][1] != 4 {
		t.Fatalf("unexpected mix result %v", dst)
	}
}

func TestResizeKeepsCapacity(t *testing.T) {
	b := mixdown.MakeAudioBuffer(2, 8)
	b.Resize(3)
	if b.Frames() != 3 {
		t.Fatalf("frames = %d, want 3", b.Frames())
	}
	b.Resize(100)
	if b.Frames() != 8 {
		t.Fatalf("frames = %d, want capacity 8", b.Frames())
	}
}

func TestPeakAndRMS(t *testing.T) {
	b := mixdown.AudioBuffer{{0.5, -1, 0.5, -0.5}, {0, 0, 0, 0}}
	if p := b.Peak(); p != 1 {
		t.Fatalf("peak = %v, want 1", p)
	}
	want := math.Sqrt((0.25 + 1 + 0.25 + 0.25) / 8)
	if r := b.RMS(); math.Abs(float64(r)-want) > 1e-6 {
		t.Fatalf("rms = %v, want %v", r, want)
	}
}

func TestGainConversions(t *testing.T) {
	if g := mixdown.DBToGain(0); g != 1 {
		t.Fatalf("0 dB = %v", g)
	}
	if db := mixdown.GainToDB(0); db != mixdown.MinDB {
		t.Fatalf("silence = %v dB", db)
	}
	if db := mixdown.GainToDB(mixdown.DBToGain(-6)); math.Abs(float64(db+6)) > 1e-4 {
		t.Fatalf("round trip of -6 dB gave %v", db)
	}
	if mixdown.PPQToTime(4, 120) != 2 || mixdown.TimeToPPQ(2, 120) != 4 {
		t.Fatal("ppq conversion mismatch at 120 bpm")
	}
	if n := mixdown.TimeToSamples(0.5, 44100); n != 22050 {
		t.Fatalf("0.5 s at 44.1 kHz = %v samples", n)
	}
	if s := mixdown.SamplesToTime(mixdown.TimeToSamples(1.25, 48000), 48000); s != 1.25 {
		t.Fatalf("round trip of 1.25 s gave %v", s)
	}
	if s := mixdown.SamplesToTime(100, 0); s != 0 {
		t.Fatalf("zero sample rate gave %v s", s)
	}
}

func TestCrossfade(t *testing.T) {
	b := mixdown.AudioBuffer{{1, 1, 1, 1, 1, 1}}
	b.Crossfade([][]float32{{0, 0, 0, 0, 0, 0}}, 4)
	want := []float32{1, 0.75, 0.5, 0.25, 1, 1}
	for i, v := range b[0] {
		if math.Abs(float64(v-want[i])) > 1e-6 {
			t.Fatalf("crossfaded = %v, want %v", b[0], want)
		}
	}
}

func TestApplyGainRamp(t *testing.T) {
	b := mixdown.AudioBuffer{{1, 1, 1, 1}, {2, 2, 2, 2}}
	b.ApplyGainRamp(0, 4, 1, 0)
	want := []float32{1, 0.75, 0.5, 0.25}
	for i := range want {
		if math.Abs(float64(b[0][i]-want[i])) > 1e-6 || math.Abs(float64(b[1][i]-2*want[i])) > 1e-6 {
			t.Fatalf("ramped = %v, want %v on the left", b, want)
		}
	}
}

func TestMIDIBufferOrdersAndDrops(t *testing.T) {
	b := mixdown.NewMIDIBuffer(3)
	for _, f := range []int{5, 1, 5} {
		e := mixdown.NoteOn(0, uint8(f), 100)
		e.Frame = f
		if !b.Add(e) {
			t.Fatalf("add at frame %d failed", f)
		}
	}
	if b.Add(mixdown.NoteOn(0, 1, 1)) {
		t.Fatal("add to a full buffer succeeded")
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
	frames := []int{b.At(0).Frame, b.At(1).Frame, b.At(2).Frame}
	if frames[0] != 1 || frames[1] != 5 || frames[2] != 5 {
		t.Fatalf("frames = %v, want [1 5 5]", frames)
	}
}

func TestMIDIEventClassification(t *testing.T) {
	on := mixdown.NoteOn(3, 60, 100)
	off := mixdown.NoteOn(3, 60, 0)
	if !on.IsNoteOn() || on.IsNoteOff() || on.Channel() != 3 {
		t.Fatal("note on misclassified")
	}
	if !off.IsNoteOff() || off.IsNoteOn() {
		t.Fatal("note on with zero velocity should be a note off")
	}
	pw := mixdown.PitchWheel(0, 0)
	if !pw.IsPitchWheel() || pw.Data[1] != 0 || pw.Data[2] != 0x40 {
		t.Fatalf("pitch wheel center = % x", pw.Bytes())
	}
	if _, ok := mixdown.SysEx(make([]byte, mixdown.MaxMIDIEventSize)...); ok {
		t.Fatal("oversized sysex accepted")
	}
	mmc, ok := mixdown.SysEx(0x7F, 0x7F, 0x06, 0x02)
	if !ok || !mmc.IsSysEx() || !bytes.Equal(mmc.Bytes(), []byte{0xF0, 0x7F, 0x7F, 0x06, 0x02, 0xF7}) {
		t.Fatalf("mmc play = % x", mmc.Bytes())
	}
}

func TestBrokerDropsForFullSubscriber(t *testing.T) {
	b := mixdown.NewBroker()
	slow := b.Subscribe(1)
	fast := b.Subscribe(4)
	for i := 0; i < 3; i++ {
		b.Publish(mixdown.Message{Kind: mixdown.MsgXRun})
	}
	if len(slow) != 1 || len(fast) != 3 {
		t.Fatalf("queued = %d, %d, want 1, 3", len(slow), len(fast))
	}
	b.Unsubscribe(slow)
	if _, ok := <-slow; !ok {
		t.Fatal("queued message lost on unsubscribe")
	}
	b.SendAlert("device", "gone", mixdown.Error)
	if len(slow) != 0 {
		t.Fatal("unsubscribed channel still receives messages")
	}
	<-fast
	<-fast
	<-fast
	if m := <-fast; m.Kind != mixdown.MsgAlert || m.Alert.Name != "device" || m.Alert.Priority != mixdown.Error {
		t.Fatalf("alert = %+v", m)
	}
	var nilBroker *mixdown.Broker
	nilBroker.Publish(mixdown.Message{})
}

func TestBrokerPublishDuringUnsubscribe(t *testing.T) {
	b := mixdown.NewBroker()
	stop := make(chan struct{})
	done := make(chan any)
	go func() {
		defer func() { done <- recover() }()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(mixdown.Message{Kind: mixdown.MsgCPU})
			}
		}
	}()
	for i := 0; i < 20000; i++ {
		b.Unsubscribe(b.Subscribe(1))
	}
	close(stop)
	if p := <-done; p != nil {
		t.Fatalf("Publish panicked: %v", p)
	}
}

func TestWavRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	in := mixdown.AudioBuffer{{0, 0.5, -0.5, 1}, {0.25, -0.25, 0, -1}}
	if err := mixdown.WriteWav(f, in, 48000, 16); err != nil {
		t.Fatalf("WriteWav: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	out, sr, err := mixdown.ReadWav(f)
	f.Close()
	if err != nil {
		t.Fatalf("ReadWav: %v", err)
	}
	if sr != 48000 || out.Channels() != 2 || out.Frames() != 4 {
		t.Fatalf("got %d Hz, %d channels, %d frames", sr, out.Channels(), out.Frames())
	}
	for c := range in {
		for i := range in[c] {
			if math.Abs(float64(in[c][i]-out[c][i])) > 1e-3 {
				t.Fatalf("sample [%d][%d] = %v, want %v", c, i, out[c][i], in[c][i])
			}
		}
	}
}

func TestMatchDeviceName(t *testing.T) {
	if !mixdown.MatchDeviceName("Scarlett 2i2 USB", "scarlett") {
		t.Fatal("prefix match should ignore case")
	}
	if mixdown.MatchDeviceName("Scarlett", "") {
		t.Fatal("empty query should match nothing")
	}
}
