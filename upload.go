package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type UploadState int

const (
	UploadStatePending UploadState = iota
	UploadStateAdmitted
	UploadStateRejected
	UploadStateCompleted
	UploadStateFailed
)

func (self UploadState) String() string {
	switch self {
	case UploadStateAdmitted:
		return "admitted"
	case UploadStateRejected:
		return "rejected"
	case UploadStateCompleted:
		return "completed"
	case UploadStateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// pre-flight validation failure. the only error class surfaced
// synchronously to the caller.
type AdmissionError struct {
	Reason string
}

func (self *AdmissionError) Error() string {
	return self.Reason
}

type UploadFile struct {
	Name string
	Size ByteCount
	Open func() (io.ReadCloser, error)
}

func NewMemoryUploadFile(name string, data []byte) UploadFile {
	return UploadFile{
		Name: name,
		Size: ByteCount(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type UploadSettings struct {
	MaxFileCount int
	// exclusive limit. a batch at or over is rejected.
	MaxTotalBytes  ByteCount
	RequestTimeout time.Duration

	PreviewEnabled      bool
	PreviewMaxFileCount int
	// decoded previews over this pixel count become placeholders
	PreviewMaxPixels int

	ByJwt string
}

func DefaultUploadSettings() *UploadSettings {
	return &UploadSettings{
		MaxFileCount:        20,
		MaxTotalBytes:       mib(256),
		RequestTimeout:      60 * time.Second,
		PreviewEnabled:      true,
		PreviewMaxFileCount: 16,
		PreviewMaxPixels:    16 * 1024 * 1024,
	}
}

type UploadProgressFunction func(job *UploadJob)

// chunked multi-file transfer keyed by its own correlation id,
// running as an independent sub-session next to the sync loop.
type UploadManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	uploadUrl string
	widgetId  string

	httpClient *http.Client
	settings   *UploadSettings

	progressCallbacks *CallbackList[UploadProgressFunction]
	previewCallbacks  *CallbackList[PreviewFunction]
}

func NewUploadManagerWithDefaults(
	ctx context.Context,
	uploadUrl string,
	widgetId string,
) *UploadManager {
	return NewUploadManager(ctx, uploadUrl, widgetId, DefaultUploadSettings())
}

func NewUploadManager(
	ctx context.Context,
	uploadUrl string,
	widgetId string,
	settings *UploadSettings,
) *UploadManager {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &UploadManager{
		ctx:               cancelCtx,
		cancel:            cancel,
		uploadUrl:         uploadUrl,
		widgetId:          widgetId,
		httpClient:        defaultClient(),
		settings:          settings,
		progressCallbacks: NewCallbackList[UploadProgressFunction](),
		previewCallbacks:  NewCallbackList[PreviewFunction](),
	}
}

func (self *UploadManager) AddProgressCallback(callback UploadProgressFunction) func() {
	return self.progressCallbacks.Add(callback)
}

func (self *UploadManager) AddPreviewCallback(callback PreviewFunction) func() {
	return self.previewCallbacks.Add(callback)
}

// admission is all-or-nothing. on rejection the job carries the reason
// and no transfer starts. on admission all file transfers run
// concurrently and the job reaches a terminal state when every
// transfer has finished.
func (self *UploadManager) Submit(files []UploadFile) (*UploadJob, error) {
	job := &UploadJob{
		files:           files,
		state:           UploadStatePending,
		perFileProgress: map[int]float32{},
		done:            make(chan struct{}),
	}

	if self.settings.MaxFileCount < len(files) {
		reason := fmt.Sprintf(
			"too many files: %d exceeds the limit of %d",
			len(files),
			self.settings.MaxFileCount,
		)
		job.reject(reason)
		return job, &AdmissionError{Reason: reason}
	}
	var totalBytes ByteCount
	for _, file := range files {
		totalBytes += file.Size
	}
	if self.settings.MaxTotalBytes <= totalBytes {
		reason := fmt.Sprintf(
			"batch too large: %d bytes at or over the limit of %d",
			totalBytes,
			self.settings.MaxTotalBytes,
		)
		job.reject(reason)
		return job, &AdmissionError{Reason: reason}
	}

	job.jobId = NewId()
	for i := range files {
		job.perFileProgress[i] = 0
	}
	job.state = UploadStateAdmitted
	glog.V(1).Infof("[up]%s admitted %d files (%d bytes)\n", job.jobId, len(files), totalBytes)

	if len(files) == 0 {
		job.state = UploadStateCompleted
		close(job.done)
		return job, nil
	}

	for i := range files {
		fileIndex := i
		go HandleError(func() {
			self.transferFile(job, fileIndex)
		})
	}
	// best effort, out of band, independent of the transfers
	go HandleError(func() {
		self.generatePreviews(job)
	})

	return job, nil
}

func (self *UploadManager) transferFile(job *UploadJob, fileIndex int) {
	file := job.files[fileIndex]

	err := self.postFile(job, fileIndex, file)
	terminal := job.finishFile(fileIndex, err)
	if err != nil {
		glog.Infof("[up]%s[%d] %s failed = %s\n", job.jobId, fileIndex, file.Name, err)
	} else {
		glog.V(1).Infof("[up]%s[%d] %s done\n", job.jobId, fileIndex, file.Name)
	}
	self.notifyProgress(job)
	if terminal {
		glog.V(1).Infof("[up]%s %s\n", job.jobId, job.State())
	}
}

func (self *UploadManager) postFile(job *UploadJob, fileIndex int, file UploadFile) error {
	bodyReader, bodyWriter := io.Pipe()
	form := multipart.NewWriter(bodyWriter)

	go HandleError(func() {
		writeForm := func() error {
			if err := form.WriteField("widgetId", self.widgetId); err != nil {
				return err
			}
			if err := form.WriteField("uploadId", job.jobId.String()); err != nil {
				return err
			}
			if err := form.WriteField("fileIndex", strconv.Itoa(fileIndex)); err != nil {
				return err
			}
			if err := form.WriteField("fileCount", strconv.Itoa(len(job.files))); err != nil {
				return err
			}
			part, err := form.CreateFormFile("file", file.Name)
			if err != nil {
				return err
			}
			source, err := file.Open()
			if err != nil {
				return err
			}
			defer source.Close()
			if err := self.copyWithProgress(job, fileIndex, part, source, file.Size); err != nil {
				return err
			}
			return form.Close()
		}
		bodyWriter.CloseWithError(writeForm())
	})

	requestCtx, requestCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
	defer requestCancel()

	req, err := http.NewRequestWithContext(requestCtx, "POST", self.uploadUrl, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", form.FormDataContentType())
	attachAuth(req, self.settings.ByJwt)

	r, err := self.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	responseBodyBytes, _ := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		return fmt.Errorf("upload status %d: %s", r.StatusCode, string(responseBodyBytes))
	}
	return nil
}

// progress is observed on the request body as it is handed to the
// transport, per transferred chunk
func (self *UploadManager) copyWithProgress(
	job *UploadJob,
	fileIndex int,
	dst io.Writer,
	src io.Reader,
	size ByteCount,
) error {
	buffer := make([]byte, kib(32))
	var sentBytes ByteCount
	for {
		n, readErr := src.Read(buffer)
		if 0 < n {
			if _, err := dst.Write(buffer[0:n]); err != nil {
				return err
			}
			sentBytes += ByteCount(n)
			percent := float32(100)
			if 0 < size {
				percent = float32(sentBytes) / float32(size) * 100
				if 100 < percent {
					percent = 100
				}
			}
			job.setProgress(fileIndex, percent)
			self.notifyProgress(job)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (self *UploadManager) notifyProgress(job *UploadJob) {
	for _, callback := range self.progressCallbacks.Get() {
		callback(job)
	}
}

func (self *UploadManager) Close() {
	self.cancel()
}

// one upload batch. owned by the manager that created it.
// the aggregate progress is always the unweighted arithmetic mean of
// the per-file percentages, recomputed on every single-file update.
type UploadJob struct {
	jobId Id
	files []UploadFile

	stateLock         sync.Mutex
	state             UploadState
	rejectReason      string
	perFileProgress   map[int]float32
	aggregateProgress float32
	finishedCount     int

	done chan struct{}
}

func (self *UploadJob) Id() Id {
	return self.jobId
}

func (self *UploadJob) FileCount() int {
	return len(self.files)
}

func (self *UploadJob) State() UploadState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *UploadJob) RejectReason() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.rejectReason
}

func (self *UploadJob) AggregateProgress() float32 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.aggregateProgress
}

func (self *UploadJob) PerFileProgress() map[int]float32 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.perFileProgress)
}

// closed when the job reaches a terminal state
func (self *UploadJob) Done() <-chan struct{} {
	return self.done
}

func (self *UploadJob) reject(reason string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = UploadStateRejected
	self.rejectReason = reason
	close(self.done)
}

func (self *UploadJob) setProgress(fileIndex int, percent float32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.perFileProgress[fileIndex] = percent
	self.recomputeAggregate()
}

// marks one file transfer terminal. returns whether the job is terminal.
// a failed file fails the whole job but in-flight siblings continue and
// already succeeded files stay succeeded.
func (self *UploadJob) finishFile(fileIndex int, err error) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err == nil {
		self.perFileProgress[fileIndex] = 100
	} else if self.state == UploadStateAdmitted {
		self.state = UploadStateFailed
	}
	self.recomputeAggregate()

	self.finishedCount += 1
	terminal := self.finishedCount == len(self.files)
	if terminal {
		if self.state == UploadStateAdmitted {
			self.state = UploadStateCompleted
		}
		close(self.done)
	}
	return terminal
}

func (self *UploadJob) recomputeAggregate() {
	if len(self.perFileProgress) == 0 {
		self.aggregateProgress = 0
		return
	}
	var sum float32
	for _, percent := range self.perFileProgress {
		sum += percent
	}
	self.aggregateProgress = sum / float32(len(self.perFileProgress))
}
