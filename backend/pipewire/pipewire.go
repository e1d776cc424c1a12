package pipewire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"

	"github.com/b0bbywan/go-odio-portal/backend/compositor"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
)

// gstInitOnce ensures GStreamer is initialized only once.
var gstInitOnce sync.Once

const sinkName = "portalsink"

// PipewireBackend bridges a compositor capture node into a fresh PipeWire
// node the requesting client can consume. One GStreamer pipeline per stream.
type PipewireBackend struct {
	ctx context.Context
	cfg *config.PipewireConfig
}

func New(ctx context.Context, cfg *config.PipewireConfig) (*PipewireBackend, error) {
	if cfg == nil {
		return nil, nil
	}

	gstInitOnce.Do(func() {
		gst.Init(nil)
	})

	if gst.Find(cfg.SourceElement) == nil {
		return nil, &TransportUnavailableError{Reason: fmt.Sprintf("element %q not found", cfg.SourceElement)}
	}
	if gst.Find("pipewiresink") == nil {
		return nil, &TransportUnavailableError{Reason: "element \"pipewiresink\" not found"}
	}

	logger.Info("[pipewire] backend initialized (source element %s)", cfg.SourceElement)
	return &PipewireBackend{ctx: ctx, cfg: cfg}, nil
}

func (p *PipewireBackend) Close() {}

// OpenStream opens and negotiates a stream for the given source.
//
// The metadata cursor mode is not supported by this backend and downgrades to
// embedded. onTerminated fires at most once, only for streams that completed
// negotiation and were later torn down out of band (not for Stop).
func (p *PipewireBackend) OpenStream(ctx context.Context, src compositor.Source, mode CursorMode, onTerminated func()) (*Stream, error) {
	if mode == CursorMetadata {
		logger.Debug("[pipewire] downgrading cursor mode metadata -> embedded for %s", src.Name)
		mode = CursorEmbedded
	}

	pipeline, err := gst.NewPipelineFromString(p.pipelineString(src, mode))
	if err != nil {
		return nil, &TransportUnavailableError{Reason: "pipeline construction", Err: err}
	}

	if err := pipeline.SetState(gst.StatePaused); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, &TransportUnavailableError{Reason: "capture node open", Err: err}
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, &NegotiationFailedError{Source: src.Name, Reason: err.Error()}
	}

	nodeID, err := p.awaitNodeID(ctx, pipeline, src)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, err
	}

	stream := &Stream{
		info: StreamInfo{
			NodeID:     nodeID,
			CursorMode: mode,
			SourceType: uint32(src.Kind),
			X:          src.X,
			Y:          src.Y,
			Width:      src.Width,
			Height:     src.Height,
		},
		pipeline:     pipeline,
		onTerminated: onTerminated,
	}
	go stream.watchBus(p.ctx)

	logger.Info("[pipewire] stream ready: source=%s node=%d cursor=%d", src.Name, nodeID, mode)
	return stream, nil
}

func (p *PipewireBackend) pipelineString(src compositor.Source, mode CursorMode) string {
	return fmt.Sprintf(
		"%s target-object=%s ! videoconvert ! pipewiresink name=%s mode=provide client-name=%s "+
			"stream-properties=\"props,media.class=Video/Source,portal.cursor-mode=(uint)%d\"",
		p.cfg.SourceElement, src.Name, sinkName, config.AppName, mode,
	)
}

// awaitNodeID polls the sink for its negotiated node id, bounded by the
// configured negotiation ceiling so a stalled backend call cannot leak a
// half-open node.
func (p *PipewireBackend) awaitNodeID(ctx context.Context, pipeline *gst.Pipeline, src compositor.Source) (uint32, error) {
	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		return 0, &NegotiationFailedError{Source: src.Name, Reason: "sink element missing"}
	}

	deadline := time.NewTimer(p.cfg.NegotiationTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, &NegotiationFailedError{Source: src.Name, Reason: "cancelled"}
		case <-deadline.C:
			return 0, &NegotiationFailedError{Source: src.Name, Reason: "negotiation timed out"}
		case <-tick.C:
			val, err := elem.GetProperty("node-id")
			if err != nil {
				continue
			}
			if id, ok := val.(uint); ok && id != 0 {
				return uint32(id), nil
			}
			if id, ok := val.(uint32); ok && id != 0 {
				return id, nil
			}
		}
	}
}
