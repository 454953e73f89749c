package video

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"testing"
	"time"
)

func solidFrame(w, h int, v uint8) *Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return &Frame{Image: img, Timestamp: time.Now()}
}

func TestFrameBuffer_EmptyReturnsErrNoFrame(t *testing.T) {
	buf := NewFrameBuffer(0)

	if _, _, err := buf.Current(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame, got %v", err)
	}
	if _, ok := buf.Snapshot(); ok {
		t.Error("Snapshot of an empty buffer should report false")
	}
}

func TestFrameBuffer_LastWriteWins(t *testing.T) {
	buf := NewFrameBuffer(90)

	for i := 1; i <= 5; i++ {
		buf.Update(solidFrame(8, 8, uint8(i*40)))
	}

	snap, ok := buf.Snapshot()
	if !ok {
		t.Fatal("Expected a frame")
	}
	if snap.Image.Pix[0] != 200 {
		t.Errorf("Expected last written value 200, got %d", snap.Image.Pix[0])
	}
	if buf.Sequence() != 5 {
		t.Errorf("Expected sequence 5, got %d", buf.Sequence())
	}
}

func TestFrameBuffer_CurrentReturnsPrivateCopy(t *testing.T) {
	buf := NewFrameBuffer(90)
	buf.Update(solidFrame(8, 8, 128))

	first, seq, err := buf.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("Expected sequence 1, got %d", seq)
	}

	for i := range first {
		first[i] = 0
	}

	second, _, err := buf.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(second)); err != nil {
		t.Errorf("Mutating a returned copy corrupted the buffer: %v", err)
	}
}

func TestFrameBuffer_SnapshotIsDeepCopy(t *testing.T) {
	buf := NewFrameBuffer(90)
	buf.Update(solidFrame(4, 4, 10))

	snap, _ := buf.Snapshot()
	snap.Image.Pix[0] = 99

	again, _ := buf.Snapshot()
	if again.Image.Pix[0] != 10 {
		t.Error("Snapshot shares pixels with the buffered frame")
	}
}

func TestFrameBuffer_Clear(t *testing.T) {
	buf := NewFrameBuffer(90)
	buf.Update(solidFrame(4, 4, 10))
	buf.Clear()

	if _, _, err := buf.Current(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame after Clear, got %v", err)
	}
}

func TestFrameBuffer_ConcurrentReadersNeverSeeTornFrames(t *testing.T) {
	buf := NewFrameBuffer(90)
	const width, height = 32, 32

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, ok := buf.Snapshot()
				if !ok {
					continue
				}
				first := snap.Image.Pix[0]
				for _, p := range snap.Image.Pix {
					if p != first {
						t.Errorf("Torn frame: saw %d and %d", first, p)
						return
					}
				}
				if _, _, err := buf.Current(); err != nil {
					t.Errorf("Current failed: %v", err)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		buf.Update(solidFrame(width, height, uint8(i)))
	}
	close(stop)
	wg.Wait()

	snap, _ := buf.Snapshot()
	if snap.Image.Pix[0] != uint8(199) {
		t.Errorf("Expected final frame value 199, got %d", snap.Image.Pix[0])
	}
}

func TestFrame_CloneAndDimensions(t *testing.T) {
	f := solidFrame(6, 3, 1)
	c := f.Clone()
	c.Image.Pix[0] = 2

	if f.Image.Pix[0] != 1 {
		t.Error("Clone shares pixel memory")
	}
	if c.Width() != 6 || c.Height() != 3 {
		t.Errorf("Expected 6x3, got %dx%d", c.Width(), c.Height())
	}

	var nilFrame *Frame
	if nilFrame.Width() != 0 || nilFrame.Clone() != nil {
		t.Error("Nil frame helpers should be safe")
	}
}

func TestToRGBA_NormalisesOrigin(t *testing.T) {
	src := image.NewGray(image.Rect(5, 5, 15, 10))
	rgba := ToRGBA(src)
	if rgba.Rect.Min != (image.Point{}) {
		t.Errorf("Expected zero origin, got %v", rgba.Rect.Min)
	}
	if rgba.Rect.Dx() != 10 || rgba.Rect.Dy() != 5 {
		t.Errorf("Unexpected size %v", rgba.Rect)
	}
}
