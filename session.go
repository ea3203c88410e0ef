package remote

import (
	"context"
	"sync"
	"time"
)

type StreamingMode int

const (
	ModePollMarkup StreamingMode = iota
	ModePollImage
	ModeContinuousStream
)

func (self StreamingMode) String() string {
	switch self {
	case ModePollImage:
		return "pollImage"
	case ModeContinuousStream:
		return "continuousStream"
	default:
		return "pollMarkup"
	}
}

func ParseStreamingMode(mode string) StreamingMode {
	switch mode {
	case "image":
		return ModePollImage
	case "stream":
		return ModeContinuousStream
	default:
		return ModePollMarkup
	}
}

// one client's logical connection to server-held state.
// the cadence is entirely server-dictated and only the sync loop writes it.
type Session struct {
	id             string
	singleImageUrl string
	streamUrl      string
	mode           StreamingMode

	stateLock      sync.Mutex
	cadence        time.Duration
	connected      bool
	producerActive bool
}

func NewSession(config *SessionConfig, initialCadence time.Duration) *Session {
	sessionId := config.SessionId
	if sessionId == "" {
		sessionId = NewId().String()
	}
	return &Session{
		id:             sessionId,
		singleImageUrl: config.SingleImageUrl,
		streamUrl:      config.StreamUrl,
		mode:           ParseStreamingMode(config.StreamingMode),
		cadence:        initialCadence,
		// optimistic. the first failure logs the disconnect transition.
		connected: true,
	}
}

func (self *Session) Id() string {
	return self.id
}

func (self *Session) SingleImageUrl() string {
	return self.singleImageUrl
}

func (self *Session) StreamUrl() string {
	return self.streamUrl
}

func (self *Session) Mode() StreamingMode {
	return self.mode
}

func (self *Session) Cadence() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.cadence
}

func (self *Session) setCadence(cadence time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.cadence = cadence
}

func (self *Session) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

// returns whether the value changed
func (self *Session) swapConnected(connected bool) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.connected == connected {
		return false
	}
	self.connected = connected
	return true
}

// whether the server is currently willing to accept frames.
// gates local capture so the producer does not compress frames
// the server would discard.
func (self *Session) ProducerActive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.producerActive
}

func (self *Session) setProducerActive(producerActive bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.producerActive = producerActive
}

type ClientSettings struct {
	SyncSettings   *SyncSettings
	StreamSettings *FrameStreamSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		SyncSettings:   DefaultSyncSettings(),
		StreamSettings: DefaultFrameStreamSettings(),
	}
}

// wires the bootstrap config into a running session:
// sync loop, frame delivery, content patching.
// teardown is `Close` only. no wire message is sent on shutdown,
// the server times the session out when polling stops.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	session     *Session
	queue       *EventQueue
	frameBuffer *FrameBuffer
	syncLoop    *SyncLoop
	frameStream *FrameStream
}

func NewClientWithDefaults(
	ctx context.Context,
	config *SessionConfig,
	surface Surface,
	sink FrameSink,
) *Client {
	return NewClient(ctx, config, surface, sink, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	config *SessionConfig,
	surface Surface,
	sink FrameSink,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	session := NewSession(config, settings.SyncSettings.Cadence)
	queue := NewEventQueueWithDefaults()
	frameBuffer := NewFrameBuffer()
	patcher := NewPatcher(surface)
	syncLoop := NewSyncLoop(
		cancelCtx,
		session,
		queue,
		frameBuffer,
		patcher,
		sink,
		settings.SyncSettings,
	)

	client := &Client{
		ctx:         cancelCtx,
		cancel:      cancel,
		session:     session,
		queue:       queue,
		frameBuffer: frameBuffer,
		syncLoop:    syncLoop,
	}

	go HandleError(syncLoop.Run)

	if session.Mode() == ModeContinuousStream && session.StreamUrl() != "" {
		client.frameStream = NewFrameStream(
			cancelCtx,
			session.StreamUrl(),
			sink,
			settings.StreamSettings,
		)
		go HandleError(client.frameStream.Run)
	}

	return client
}

func (self *Client) Session() *Session {
	return self.session
}

// input handlers push here
func (self *Client) Queue() *EventQueue {
	return self.queue
}

// the capture producer contributes frames here
func (self *Client) FrameBuffer() *FrameBuffer {
	return self.frameBuffer
}

func (self *Client) AddConnectivityCallback(callback ConnectivityFunction) func() {
	return self.syncLoop.AddConnectivityCallback(callback)
}

func (self *Client) Close() {
	self.cancel()
}
