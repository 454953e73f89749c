package video

import (
	"sync"
)

// FrameBuffer holds the most recent annotated frame for live-view readers.
// The capture loop is the only writer. Readers never see the live image:
// Current returns an encoded copy taken under the read lock.
type FrameBuffer struct {
	mu      sync.RWMutex
	frame   *Frame
	seq     uint64
	quality int

	encMu   sync.Mutex
	encSeq  uint64
	encoded []byte
}

// NewFrameBuffer creates an empty frame buffer that encodes at quality
func NewFrameBuffer(quality int) *FrameBuffer {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &FrameBuffer{quality: quality}
}

// Update replaces the current frame. The buffer takes ownership of f; the
// caller must not modify it afterwards.
func (b *FrameBuffer) Update(f *Frame) {
	b.mu.Lock()
	b.frame = f
	b.seq++
	b.mu.Unlock()
}

// Clear drops the current frame so readers get ErrNoFrame
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	b.frame = nil
	b.seq++
	b.mu.Unlock()
}

// Sequence returns the number of updates applied so far
func (b *FrameBuffer) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Current returns the current frame as JPEG together with its sequence
// number. The returned slice is a private copy.
func (b *FrameBuffer) Current() ([]byte, uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.frame == nil {
		return nil, b.seq, ErrNoFrame
	}

	b.encMu.Lock()
	defer b.encMu.Unlock()
	if b.encoded == nil || b.encSeq != b.seq {
		data, err := b.frame.EncodeJPEG(b.quality)
		if err != nil {
			return nil, b.seq, err
		}
		b.encoded = data
		b.encSeq = b.seq
	}
	return append([]byte(nil), b.encoded...), b.seq, nil
}

// Snapshot returns a deep copy of the current frame
func (b *FrameBuffer) Snapshot() (*Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.frame == nil {
		return nil, false
	}
	return b.frame.Clone(), true
}
