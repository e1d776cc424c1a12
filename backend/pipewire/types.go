package pipewire

// CursorMode values follow the portal wire encoding.
type CursorMode uint32

const (
	CursorHidden   CursorMode = 1
	CursorEmbedded CursorMode = 2
	CursorMetadata CursorMode = 4
)

// StreamInfo describes a negotiated stream: the PipeWire node the client can
// connect to over its own PipeWire connection, the cursor mode actually in
// effect, and the source geometry.
type StreamInfo struct {
	NodeID     uint32
	CursorMode CursorMode
	SourceType uint32
	X          int32
	Y          int32
	Width      int32
	Height     int32
}
