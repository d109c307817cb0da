package control

import "encoding/json"

// Request is one client command frame. Requests carry a client-chosen
// id echoed back on the response so callers can pipeline.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one request.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event is a server-push frame delivered outside the request/response
// exchange.
type Event struct {
	Event   string `json:"event"`
	Kind    string `json:"kind"`
	Handle  int    `json:"handle"`
	Payload any    `json:"payload,omitempty"`
}

// descriptorResult mirrors engine.StreamDescriptor on the wire.
type descriptorResult struct {
	Handle     int    `json:"handle"`
	SampleRate int    `json:"sampleRate"`
	Format     string `json:"format"`
	Channels   int    `json:"channels"`
	FrameCount int    `json:"frameCount"`
	LatencyMs  int64  `json:"latencyMs"`
}

type openOutputParams struct {
	SampleRate int  `json:"sampleRate,omitempty"`
	Channels   int  `json:"channels,omitempty"`
	Direct     bool `json:"direct,omitempty"`
}

type openInputParams struct {
	SampleRate int `json:"sampleRate,omitempty"`
	Channels   int `json:"channels,omitempty"`
}

type handleParams struct {
	Handle int `json:"handle"`
}

type duplicateParams struct {
	Main int `json:"main"`
}

type duplicateEdgeParams struct {
	Duplicate   int `json:"duplicate"`
	Destination int `json:"destination"`
}

type createTrackParams struct {
	Output     int    `json:"output"`
	Stream     string `json:"stream"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	FrameCount int    `json:"frameCount,omitempty"`
}

type loadClipParams struct {
	Output int    `json:"output"`
	Stream string `json:"stream"`
	Path   string `json:"path"`
}

type openRecordParams struct {
	Input      int `json:"input"`
	FrameCount int `json:"frameCount,omitempty"`
}

type trackParams struct {
	Track int `json:"track"`
}

type trackVolumeParams struct {
	Track int     `json:"track"`
	Left  float32 `json:"left"`
	Right float32 `json:"right"`
}

type trackMuteParams struct {
	Track int  `json:"track"`
	Muted bool `json:"muted"`
}

type trackWriteParams struct {
	Track int    `json:"track"`
	Data  []byte `json:"data"`
}

type recordReadParams struct {
	Track  int `json:"track"`
	Frames int `json:"frames"`
}

type streamOutputParams struct {
	Stream string `json:"stream"`
	Output int    `json:"output"`
}

type volumeParams struct {
	Value float32 `json:"value"`
}

type muteParams struct {
	Muted bool `json:"muted"`
}

type streamVolumeParams struct {
	Stream string  `json:"stream"`
	Value  float32 `json:"value"`
}

type streamMuteParams struct {
	Stream string `json:"stream"`
	Muted  bool   `json:"muted"`
}

type modeParams struct {
	Mode int `json:"mode"`
}

type setParametersParams struct {
	Handle    int    `json:"handle"`
	KeyValues string `json:"keyValues"`
}

type getParametersParams struct {
	Handle int    `json:"handle"`
	Keys   string `json:"keys"`
}

type bufferSizeParams struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
}
