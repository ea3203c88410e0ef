package remote

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// the stream boundary used when the server omits one from the content type
const defaultStreamBoundary = "frame"

type FrameStreamSettings struct {
	ReconnectTimeout   time.Duration
	WsHandshakeTimeout time.Duration
	ReadTimeout        time.Duration
}

func DefaultFrameStreamSettings() *FrameStreamSettings {
	return &FrameStreamSettings{
		ReconnectTimeout:   5 * time.Second,
		WsHandshakeTimeout: 2 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// continuous-stream delivery: one long-lived connection to the stream
// endpoint, frames displayed as they arrive, decoupled from the sync
// cadence. there is no end-of-stream message. connection closure is a
// recoverable failure and the stream reopens until `Close`.
type FrameStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	streamUrl string
	sink      FrameSink

	settings *FrameStreamSettings
}

func NewFrameStreamWithDefaults(
	ctx context.Context,
	streamUrl string,
	sink FrameSink,
) *FrameStream {
	return NewFrameStream(ctx, streamUrl, sink, DefaultFrameStreamSettings())
}

func NewFrameStream(
	ctx context.Context,
	streamUrl string,
	sink FrameSink,
	settings *FrameStreamSettings,
) *FrameStream {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &FrameStream{
		ctx:       cancelCtx,
		cancel:    cancel,
		streamUrl: streamUrl,
		sink:      sink,
		settings:  settings,
	}
}

func (self *FrameStream) Run() {
	defer self.cancel()

	ws := false
	if u, err := url.Parse(self.streamUrl); err == nil {
		switch u.Scheme {
		case "ws", "wss":
			ws = true
		}
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		receive := func() (int, error) {
			if ws {
				return self.receiveWs()
			}
			return self.receiveMultipart()
		}

		var frameCount int
		var err error
		if glog.V(2) {
			frameCount, err = TraceWithReturnError(fmt.Sprintf("[fs]receive %s", self.streamUrl), receive)
		} else {
			frameCount, err = receive()
		}
		if err != nil {
			glog.Infof("[fs]stream closed after %d frames = %s\n", frameCount, err)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// reads self-delimited jpeg frames from a multipart/x-mixed-replace body
func (self *FrameStream) receiveMultipart() (int, error) {
	req, err := http.NewRequestWithContext(self.ctx, "GET", self.streamUrl, nil)
	if err != nil {
		return 0, err
	}

	client := streamClient()
	r, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer r.Body.Close()

	if http.StatusOK != r.StatusCode {
		return 0, fmt.Errorf("stream status %d", r.StatusCode)
	}

	boundary := defaultStreamBoundary
	if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		if b, ok := params["boundary"]; ok {
			boundary = b
		}
	}

	reader := multipart.NewReader(r.Body, boundary)
	frameCount := 0
	for {
		select {
		case <-self.ctx.Done():
			return frameCount, nil
		default:
		}

		part, err := reader.NextPart()
		if err != nil {
			return frameCount, err
		}
		frame, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return frameCount, err
		}
		if 0 < len(frame) {
			self.sink.DisplayFrame(frame)
			frameCount += 1
			glog.V(2).Infof("[fs]frame %d (%d bytes)\n", frameCount, len(frame))
		}
	}
}

// reads binary frames from a websocket stream endpoint.
// one frame per message, an empty message is a ping.
func (self *FrameStream) receiveWs() (int, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.streamUrl, nil)
	if err != nil {
		return 0, err
	}
	defer ws.Close()

	// unblock the read when the stream is closed
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-self.ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	frameCount := 0
	for {
		select {
		case <-self.ctx.Done():
			return frameCount, nil
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return frameCount, err
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[fs]ping\n")
				continue
			}
			self.sink.DisplayFrame(message)
			frameCount += 1
			glog.V(2).Infof("[fs]frame %d (%d bytes)\n", frameCount, len(message))
		default:
			glog.V(2).Infof("[fs]other message type = %d\n", messageType)
		}
	}
}

func (self *FrameStream) Close() {
	self.cancel()
}
