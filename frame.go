package remote

import (
	"sync"

	"github.com/golang/glog"
)

// display collaborator. the decode/render pipeline is external.
type FrameSink interface {
	DisplayFrame(frame []byte)
}

// single-slot coalescing buffer between the capture producer and the
// send path. a new raw frame always overwrites an unsent pending one:
// frame dropping, not frame queueing, under load.
type FrameBuffer struct {
	stateLock sync.Mutex
	pending   []byte
	sent      []byte
	dropCount int64
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

func (self *FrameBuffer) SetPending(frame []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pending != nil {
		self.dropCount += 1
		glog.V(2).Infof("[fb]drop pending frame (%d total)\n", self.dropCount)
	}
	self.pending = frame
}

// swaps out the latest pending frame, or nil if none.
// the returned frame becomes the latest sent frame.
func (self *FrameBuffer) TakePending() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	frame := self.pending
	self.pending = nil
	if frame != nil {
		self.sent = frame
	}
	return frame
}

func (self *FrameBuffer) LatestSent() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sent
}

func (self *FrameBuffer) DropCount() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.dropCount
}
