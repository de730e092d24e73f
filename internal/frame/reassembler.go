package frame

import (
	"sync"
	"time"

	"github.com/cmmvio/umicp-go/internal/logging"
	"github.com/cmmvio/umicp-go/internal/util"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// streamKey identifies one reorder buffer: fragments from different
// peers never mix even when stream IDs collide.
type streamKey struct {
	peer     string
	streamID uint64
}

type pendingStream struct {
	fragments    [][]byte
	nextSequence uint32
	totalBytes   int
	lastActivity time.Time
}

// Reassembler rebuilds fragmented transfers. One reorder buffer per
// (peer, stream_id); buffers for unterminated streams are garbage
// collected after an idle timeout so a stalled peer cannot pin memory.
type Reassembler struct {
	mu       sync.Mutex
	streams  map[streamKey]*pendingStream
	idle     time.Duration
	maxBytes int

	stopGC chan struct{}
	gcDone chan struct{}
}

// NewReassembler creates a reassembler whose unterminated streams are
// dropped after idle and whose assembled payloads may not exceed
// maxBytes. The GC loop runs until Close.
func NewReassembler(idle time.Duration, maxBytes int) *Reassembler {
	r := &Reassembler{
		streams:  make(map[streamKey]*pendingStream),
		idle:     idle,
		maxBytes: maxBytes,
		stopGC:   make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	util.SafeGoWithName("reassembly-gc", r.gcLoop)
	return r
}

// Close stops the garbage collection loop and drops all buffers.
func (r *Reassembler) Close() {
	select {
	case <-r.stopGC:
		return
	default:
		close(r.stopGC)
	}
	<-r.gcDone

	r.mu.Lock()
	r.streams = make(map[streamKey]*pendingStream)
	r.mu.Unlock()
}

// Add inserts a frame from peer. It returns the complete payload when
// the frame terminates a transfer (FRAGMENT_END, or an unfragmented
// frame), and nil while the transfer is still open. Out-of-order,
// duplicate, and orphaned fragments are errors and discard the buffer.
func (r *Reassembler) Add(peer string, f *types.Frame) ([]byte, error) {
	flags := f.Header.Flags
	start := flags.Has(types.FlagFragmentStart)
	cont := flags.Has(types.FlagFragmentContinue)
	end := flags.Has(types.FlagFragmentEnd)

	// Unfragmented frame: complete as-is.
	if !start && !cont && !end {
		return f.Payload, nil
	}

	key := streamKey{peer: peer, streamID: f.Header.StreamID}

	r.mu.Lock()
	defer r.mu.Unlock()

	stream, open := r.streams[key]

	if start {
		if open {
			delete(r.streams, key)
			return nil, types.Errorf(types.CodeInvalidFrame,
				"duplicate FRAGMENT_START for stream %d from %s", f.Header.StreamID, peer)
		}
		stream = &pendingStream{nextSequence: f.Header.Sequence}
		r.streams[key] = stream
		open = true
	} else if !open {
		return nil, types.Errorf(types.CodeInvalidFrame,
			"fragment for unknown stream %d from %s", f.Header.StreamID, peer)
	}

	if f.Header.Sequence != stream.nextSequence {
		delete(r.streams, key)
		return nil, types.Errorf(types.CodeInvalidFrame,
			"stream %d sequence %d, expected %d", f.Header.StreamID, f.Header.Sequence, stream.nextSequence)
	}

	if stream.totalBytes+len(f.Payload) > r.maxBytes {
		delete(r.streams, key)
		return nil, types.Errorf(types.CodeBufferOverflow,
			"stream %d exceeds %d byte reassembly limit", f.Header.StreamID, r.maxBytes)
	}

	stream.fragments = append(stream.fragments, f.Payload)
	stream.totalBytes += len(f.Payload)
	stream.nextSequence = f.Header.Sequence + 1
	stream.lastActivity = time.Now()

	if !end {
		return nil, nil
	}

	delete(r.streams, key)
	payload := make([]byte, 0, stream.totalBytes)
	for _, frag := range stream.fragments {
		payload = append(payload, frag...)
	}
	return payload, nil
}

// Pending returns the number of open reorder buffers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *Reassembler) gcLoop() {
	defer close(r.gcDone)

	interval := r.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopGC:
			return
		case now := <-ticker.C:
			r.collect(now)
		}
	}
}

func (r *Reassembler) collect(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, stream := range r.streams {
		if now.Sub(stream.lastActivity) > r.idle {
			logging.Warn("dropping unterminated fragment stream",
				logging.Component("frame"),
				logging.PeerID(key.peer),
				logging.StreamID(key.streamID),
				"buffered_bytes", stream.totalBytes)
			delete(r.streams, key)
		}
	}
}
