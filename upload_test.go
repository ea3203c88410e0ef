package remote

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func acceptUploadHandler(t *testing.T, uploads *sync.Map) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := r.ParseMultipartForm(int64(mib(8)))
		assert.Equal(t, nil, err)

		uploadId := r.FormValue("uploadId")
		fileIndex := r.FormValue("fileIndex")
		fileCount := r.FormValue("fileCount")
		assert.NotEqual(t, "", uploadId)
		assert.NotEqual(t, "", fileCount)

		file, header, err := r.FormFile("file")
		assert.Equal(t, nil, err)
		defer file.Close()
		data, _ := io.ReadAll(file)

		uploads.Store(fileIndex, string(data)+":"+header.Filename)
	}
}

func TestUploadAdmissionCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultUploadSettings()
	settings.MaxFileCount = 5
	manager := NewUploadManager(ctx, "http://localhost/upload", "uploadWidget", settings)

	files := []UploadFile{}
	for i := 0; i < 6; i += 1 {
		files = append(files, NewMemoryUploadFile(fmt.Sprintf("f%d", i), []byte("x")))
	}

	job, err := manager.Submit(files)
	assert.NotEqual(t, nil, err)
	_, ok := err.(*AdmissionError)
	assert.Equal(t, true, ok)
	assert.Equal(t, UploadStateRejected, job.State())
	assert.NotEqual(t, "", job.RejectReason())

	// the whole batch is rejected, nothing transfers
	select {
	case <-job.Done():
	default:
		t.Fatal("rejected job must be terminal")
	}
}

func TestUploadAdmissionSizeBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploads := &sync.Map{}
	server := httptest.NewServer(acceptUploadHandler(t, uploads))
	defer server.Close()

	settings := DefaultUploadSettings()
	settings.MaxTotalBytes = 10
	settings.PreviewEnabled = false
	manager := NewUploadManager(ctx, server.URL, "uploadWidget", settings)

	// a combined size equal to the limit rejects. the limit is exclusive.
	job, err := manager.Submit([]UploadFile{
		NewMemoryUploadFile("a.bin", []byte("12345")),
		NewMemoryUploadFile("b.bin", []byte("67890")),
	})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, UploadStateRejected, job.State())

	// one byte under the limit admits the whole batch
	job, err = manager.Submit([]UploadFile{
		NewMemoryUploadFile("a.bin", []byte("12345")),
		NewMemoryUploadFile("b.bin", []byte("6789")),
	})
	assert.Equal(t, nil, err)
	<-job.Done()
	assert.Equal(t, UploadStateCompleted, job.State())
}

func TestUploadCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploads := &sync.Map{}
	server := httptest.NewServer(acceptUploadHandler(t, uploads))
	defer server.Close()

	settings := DefaultUploadSettings()
	settings.PreviewEnabled = false
	manager := NewUploadManager(ctx, server.URL, "uploadWidget", settings)

	job, err := manager.Submit([]UploadFile{
		NewMemoryUploadFile("one.txt", []byte("first")),
		NewMemoryUploadFile("two.txt", []byte("second")),
		NewMemoryUploadFile("three.txt", []byte("third")),
	})
	assert.Equal(t, nil, err)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("upload timeout")
	}

	assert.Equal(t, UploadStateCompleted, job.State())
	assert.Equal(t, float32(100), job.AggregateProgress())
	for fileIndex, percent := range job.PerFileProgress() {
		assert.Equal(t, float32(100), percent)
		_ = fileIndex
	}

	value, ok := uploads.Load("0")
	assert.Equal(t, true, ok)
	assert.Equal(t, "first:one.txt", value)
	value, ok = uploads.Load("2")
	assert.Equal(t, true, ok)
	assert.Equal(t, "third:three.txt", value)
}

func TestUploadPartialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := r.ParseMultipartForm(int64(mib(8)))
		assert.Equal(t, nil, err)
		fileIndex, _ := strconv.Atoi(r.FormValue("fileIndex"))
		if fileIndex == 1 {
			http.Error(w, "storage full", http.StatusInsufficientStorage)
		}
	}))
	defer server.Close()

	settings := DefaultUploadSettings()
	settings.PreviewEnabled = false
	manager := NewUploadManager(ctx, server.URL, "uploadWidget", settings)

	job, err := manager.Submit([]UploadFile{
		NewMemoryUploadFile("one.txt", []byte("first")),
		NewMemoryUploadFile("two.txt", []byte("second")),
		NewMemoryUploadFile("three.txt", []byte("third")),
	})
	assert.Equal(t, nil, err)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("upload timeout")
	}

	// one failed file fails the job. siblings are not cancelled and
	// succeeded files stay succeeded.
	assert.Equal(t, UploadStateFailed, job.State())
	progress := job.PerFileProgress()
	assert.Equal(t, float32(100), progress[0])
	assert.Equal(t, float32(100), progress[2])
}

func TestUploadAggregateMean(t *testing.T) {
	job := &UploadJob{
		jobId: NewId(),
		files: make([]UploadFile, 3),
		state: UploadStateAdmitted,
		perFileProgress: map[int]float32{
			0: 0,
			1: 0,
			2: 0,
		},
		done: make(chan struct{}),
	}

	assert.Equal(t, float32(0), job.AggregateProgress())

	// the aggregate is the unweighted mean after every single update
	job.setProgress(0, 50)
	assert.Equal(t, float32(50)/3, job.AggregateProgress())

	job.setProgress(1, 100)
	assert.Equal(t, float32(150)/3, job.AggregateProgress())

	job.setProgress(2, 25)
	assert.Equal(t, float32(175)/3, job.AggregateProgress())

	job.setProgress(0, 100)
	job.setProgress(2, 100)
	assert.Equal(t, float32(100), job.AggregateProgress())
}

func TestUploadEmptyBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewUploadManagerWithDefaults(ctx, "http://localhost/upload", "uploadWidget")

	job, err := manager.Submit([]UploadFile{})
	assert.Equal(t, nil, err)
	assert.Equal(t, UploadStateCompleted, job.State())
	<-job.Done()
}

func encodeTestPng(t *testing.T, width int, height int) []byte {
	var buffer bytes.Buffer
	err := png.Encode(&buffer, image.NewRGBA(image.Rect(0, 0, width, height)))
	assert.Equal(t, nil, err)
	return buffer.Bytes()
}

func TestUploadPreview(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploads := &sync.Map{}
	server := httptest.NewServer(acceptUploadHandler(t, uploads))
	defer server.Close()

	settings := DefaultUploadSettings()
	settings.PreviewMaxPixels = 16
	manager := NewUploadManager(ctx, server.URL, "uploadWidget", settings)

	previews := make(chan *UploadPreview, 8)
	manager.AddPreviewCallback(func(preview *UploadPreview) {
		previews <- preview
	})

	job, err := manager.Submit([]UploadFile{
		NewMemoryUploadFile("small.png", encodeTestPng(t, 2, 2)),
		NewMemoryUploadFile("big.png", encodeTestPng(t, 8, 8)),
		NewMemoryUploadFile("notes.txt", []byte("not an image")),
	})
	assert.Equal(t, nil, err)
	<-job.Done()

	received := map[string]*UploadPreview{}
	for i := 0; i < 2; i += 1 {
		select {
		case preview := <-previews:
			received[preview.Name] = preview
		case <-time.After(10 * time.Second):
			t.Fatal("preview timeout")
		}
	}

	small := received["small.png"]
	assert.Equal(t, false, small.TooLarge)
	assert.Equal(t, 2, small.Width)
	assert.NotEqual(t, nil, small.Image)

	// oversized decode downgrades to a placeholder
	big := received["big.png"]
	assert.Equal(t, true, big.TooLarge)
	assert.Equal(t, previewTooLargeText, big.Placeholder)
	assert.Equal(t, nil, big.Image)
}

func TestUploadPreviewCap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploads := &sync.Map{}
	server := httptest.NewServer(acceptUploadHandler(t, uploads))
	defer server.Close()

	settings := DefaultUploadSettings()
	settings.PreviewMaxFileCount = 1
	manager := NewUploadManager(ctx, server.URL, "uploadWidget", settings)

	previewCount := 0
	previewSeen := make(chan struct{}, 8)
	manager.AddPreviewCallback(func(preview *UploadPreview) {
		previewCount += 1
		previewSeen <- struct{}{}
	})

	// over the preview cap: no previews at all, transfers unaffected
	job, err := manager.Submit([]UploadFile{
		NewMemoryUploadFile("a.png", encodeTestPng(t, 2, 2)),
		NewMemoryUploadFile("b.png", encodeTestPng(t, 2, 2)),
	})
	assert.Equal(t, nil, err)
	<-job.Done()
	assert.Equal(t, UploadStateCompleted, job.State())

	select {
	case <-previewSeen:
		t.Fatal("preview over cap")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, previewCount)
}
