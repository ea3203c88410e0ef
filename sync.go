package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// response header names fixed by the server contract
const (
	headerAction        = "action"
	headerTargetElement = "targetElement"
	headerRefreshTime   = "vlRefreshTime"
	headerUsingCamera   = "usingCamera"
)

const actionSetContent = "setContent"

type SyncState int

const (
	SyncStateIdle SyncState = iota
	SyncStateSending
	SyncStateApplying
	SyncStateError
)

func (self SyncState) String() string {
	switch self {
	case SyncStateSending:
		return "sending"
	case SyncStateApplying:
		return "applying"
	case SyncStateError:
		return "error"
	default:
		return "idle"
	}
}

type ConnectivityFunction func(connected bool)

type SyncSettings struct {
	// initial cadence only. the server dictates every subsequent value.
	Cadence time.Duration
	// backoff after a failed round trip, above the nominal cadence
	RetryTimeout   time.Duration
	RequestTimeout time.Duration
	// consecutive empty ticks that may be skipped in continuous-stream
	// mode before a sync is forced to keep the session alive
	MaxEmptySkips int
	ByJwt         string
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		Cadence:        100 * time.Millisecond,
		RetryTimeout:   2000 * time.Millisecond,
		RequestTimeout: 15 * time.Second,
		MaxEmptySkips:  10,
	}
}

// request body shape fixed by the server contract
type syncRequest struct {
	Values map[string]string `json:"values"`
	Events []InputEvent      `json:"events"`
}

// the polling state machine driving periodic round trips.
// IDLE -> SENDING -> (APPLYING | ERROR) -> IDLE, one round trip per tick,
// at most one in flight. the loop never terminates on failure, only on
// context cancel.
type SyncLoop struct {
	ctx    context.Context
	cancel context.CancelFunc

	session     *Session
	queue       *EventQueue
	frameBuffer *FrameBuffer
	patcher     *Patcher
	sink        FrameSink

	httpClient *http.Client
	settings   *SyncSettings

	inFlightCount int32
	emptySkips    int
	failureCount  int

	stateLock sync.Mutex
	state     SyncState

	connectivityCallbacks *CallbackList[ConnectivityFunction]
}

func NewSyncLoop(
	ctx context.Context,
	session *Session,
	queue *EventQueue,
	frameBuffer *FrameBuffer,
	patcher *Patcher,
	sink FrameSink,
	settings *SyncSettings,
) *SyncLoop {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SyncLoop{
		ctx:                   cancelCtx,
		cancel:                cancel,
		session:               session,
		queue:                 queue,
		frameBuffer:           frameBuffer,
		patcher:               patcher,
		sink:                  sink,
		httpClient:            defaultClient(),
		settings:              settings,
		connectivityCallbacks: NewCallbackList[ConnectivityFunction](),
	}
}

func (self *SyncLoop) AddConnectivityCallback(callback ConnectivityFunction) func() {
	return self.connectivityCallbacks.Add(callback)
}

func (self *SyncLoop) State() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *SyncLoop) setState(state SyncState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = state
}

func (self *SyncLoop) Run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.session.Cadence()):
		}

		if err := self.Sync(); err != nil {
			self.setState(SyncStateError)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.RetryTimeout):
			}
			self.setState(SyncStateIdle)
		}
	}
}

// one round trip. returns nil on success or skip.
// a call while a prior round trip is in flight is a no-op,
// serializing all traffic into one in-flight request.
func (self *SyncLoop) Sync() error {
	if !atomic.CompareAndSwapInt32(&self.inFlightCount, 0, 1) {
		glog.V(2).Infof("[sync]%s tick while in flight\n", self.session.Id())
		return nil
	}
	defer atomic.StoreInt32(&self.inFlightCount, 0)

	tickId := NewTickId()

	events, values := self.queue.DrainAll()

	streaming := self.session.Mode() == ModeContinuousStream
	if len(events) == 0 && len(values) == 0 && streaming {
		if self.emptySkips < self.settings.MaxEmptySkips {
			self.emptySkips += 1
			glog.V(2).Infof("[sync]%s %s skip empty tick %d\n", self.session.Id(), tickId, self.emptySkips)
			return nil
		}
		// force a sync to keep the session alive and re-sync server flags
	}
	self.emptySkips = 0

	self.setState(SyncStateSending)
	defer self.setState(SyncStateIdle)

	var requestBody []byte
	contentType := "text/json"
	if len(events) == 0 && len(values) == 0 {
		// a json body and a jpeg body cannot share one request.
		// when events are pending they win and the frame stays
		// coalesced for the next tick.
		if !streaming && self.session.ProducerActive() {
			if frame := self.frameBuffer.TakePending(); frame != nil {
				requestBody = frame
				contentType = "image/jpeg"
			}
		}
		if requestBody == nil {
			var err error
			requestBody, err = json.Marshal(&syncRequest{
				Values: map[string]string{},
				Events: []InputEvent{},
			})
			if err != nil {
				return err
			}
		}
	} else {
		var err error
		requestBody, err = json.Marshal(&syncRequest{
			Values: values,
			Events: events,
		})
		if err != nil {
			return err
		}
	}

	requestCtx, requestCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
	defer requestCancel()

	url := fmt.Sprintf("%s?sessionId=%s", self.session.SingleImageUrl(), self.session.Id())
	req, err := http.NewRequestWithContext(requestCtx, "POST", url, bytes.NewReader(requestBody))
	if err != nil {
		return self.handleFailure(tickId, err)
	}
	req.Header.Add("Content-Type", contentType)
	attachAuth(req, self.settings.ByJwt)

	r, err := self.httpClient.Do(req)
	if err != nil {
		return self.handleFailure(tickId, err)
	}
	defer r.Body.Close()

	responseBodyBytes, readErr := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// server rejection. retried the same as a network failure,
		// the body may carry a reason worth logging
		if 0 < len(responseBodyBytes) {
			glog.Infof("[sync]%s %s rejected status=%d body=%s\n", self.session.Id(), tickId, r.StatusCode, string(responseBodyBytes))
		}
		return self.handleFailure(tickId, fmt.Errorf("sync status %d", r.StatusCode))
	}
	if readErr != nil {
		return self.handleFailure(tickId, readErr)
	}

	self.setState(SyncStateApplying)
	self.applyResponse(tickId, r.Header, responseBodyBytes)
	self.handleSuccess()
	return nil
}

func (self *SyncLoop) applyResponse(tickId string, header http.Header, body []byte) {
	if cadenceMs := header.Get(headerRefreshTime); cadenceMs != "" {
		if ms, err := strconv.Atoi(cadenceMs); err == nil && 0 < ms {
			self.session.setCadence(time.Duration(ms) * time.Millisecond)
		} else {
			glog.V(1).Infof("[sync]%s %s bad cadence hint = %s\n", self.session.Id(), tickId, cadenceMs)
		}
	}

	if usingCamera := header.Get(headerUsingCamera); usingCamera != "" {
		self.session.setProducerActive(parseWireBool(usingCamera))
	}

	// closed variant set. unknown actions are logged and ignored,
	// the cadence hint above is still honored.
	switch action := header.Get(headerAction); action {
	case actionSetContent:
		targetElement := header.Get(headerTargetElement)
		self.patcher.Apply(targetElement, string(body))
	case "":
		if 0 < len(body) && self.session.Mode() != ModeContinuousStream && self.sink != nil {
			// one frame per successful tick, swapped in whole
			self.sink.DisplayFrame(body)
		}
	default:
		glog.V(1).Infof("[sync]%s %s unknown action = %s\n", self.session.Id(), tickId, action)
	}
}

func (self *SyncLoop) handleSuccess() {
	self.failureCount = 0
	if self.session.swapConnected(true) {
		glog.Infof("[sync]%s connected\n", self.session.Id())
		for _, callback := range self.connectivityCallbacks.Get() {
			callback(true)
		}
	}
}

// absorbs the error into the retry policy. the returned error only
// signals the run loop to back off, it is never surfaced to the caller.
func (self *SyncLoop) handleFailure(tickId string, err error) error {
	self.failureCount += 1
	glog.V(1).Infof("[sync]%s %s failure %d = %s\n", self.session.Id(), tickId, self.failureCount, err)
	if self.session.swapConnected(false) {
		glog.Infof("[sync]%s disconnected = %s\n", self.session.Id(), err)
		for _, callback := range self.connectivityCallbacks.Get() {
			callback(false)
		}
	}
	return err
}

func (self *SyncLoop) Close() {
	self.cancel()
}

func parseWireBool(value string) bool {
	switch value {
	case "yes", "true", "1":
		return true
	default:
		return false
	}
}
