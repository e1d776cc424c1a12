package pipewire

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"

	"github.com/b0bbywan/go-odio-portal/logger"
)

// Stream is a live negotiated stream. Stop is idempotent and releases the
// underlying pipeline synchronously.
type Stream struct {
	info         StreamInfo
	pipeline     *gst.Pipeline
	stopOnce     sync.Once
	stopped      atomic.Bool
	onTerminated func()
}

func (s *Stream) Info() StreamInfo {
	return s.info
}

// Stop tears the pipeline down. It never fires the termination callback;
// that path is reserved for out-of-band teardown observed on the bus.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.pipeline != nil {
			s.pipeline.SetState(gst.StateNull)
		}
		logger.Debug("[pipewire] stream %d stopped", s.info.NodeID)
	})
}

// watchBus monitors the pipeline bus for errors and EOS. An out-of-band end
// of the native stream fires the termination callback so the owning session
// can run its close path instead of silently holding a dead node.
func (s *Stream) watchBus(ctx context.Context) {
	bus := s.pipeline.GetPipelineBus()
	if bus == nil {
		return
	}

	for !s.stopped.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			s.terminated("EOS")
			return
		case gst.MessageError:
			reason := "error"
			if gerr := msg.ParseError(); gerr != nil {
				reason = gerr.Error()
			}
			s.terminated(reason)
			return
		}
	}
}

func (s *Stream) terminated(reason string) {
	if s.stopped.Load() {
		return
	}
	logger.Warn("[pipewire] stream %d terminated by peer: %s", s.info.NodeID, reason)
	s.Stop()
	if s.onTerminated != nil {
		s.onTerminated()
	}
}
