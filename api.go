package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// long-lived stream requests must not carry an overall timeout
func streamClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	appUrl string

	byJwt string
}

func NewApi(appUrl string) *Api {
	return NewApiWithContext(context.Background(), appUrl)
}

func NewApiWithContext(ctx context.Context, appUrl string) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &Api{
		ctx:    cancelCtx,
		cancel: cancel,
		appUrl: appUrl,
	}
}

// this gets attached to api calls that need it
func (self *Api) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type ConnectSessionCallback apiCallback[*SessionConfig]

// the opaque session bootstrap object returned by the app entry point.
// field names are fixed by the server contract.
type SessionConfig struct {
	RootUrl                string `json:"rootUrl"`
	SingleImageUrl         string `json:"singleImageUrl"`
	StreamUrl              string `json:"streamUrl"`
	SessionId              string `json:"sessionId"`
	StreamingMode          string `json:"streamingMode,omitempty"`
	SupportWebcam          bool   `json:"supportWebcam"`
	SupportUserInteraction bool   `json:"supportUserInteraction"`
}

func (self *Api) ConnectSession(callback ConnectSessionCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s?format=json", self.appUrl),
		self.byJwt,
		&SessionConfig{},
		callback,
	)
}

func (self *Api) ConnectSessionSync() (*SessionConfig, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s?format=json", self.appUrl),
		self.byJwt,
		&SessionConfig{},
		NewNoopApiCallback[*SessionConfig](),
	)
}

func (self *Api) Close() {
	self.cancel()
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")
	attachAuth(req, byJwt)

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func attachAuth(req *http.Request, byJwt string) {
	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}
}
