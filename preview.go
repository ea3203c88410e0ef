package remote

import (
	"image"
	"path"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/golang/glog"
)

const previewTooLargeText = "too large"

// recognized by name only. files whose decoder is missing are skipped.
var previewImageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// a locally generated image preview for one file of an upload batch.
// when the decoded image would exceed the pixel cap, `Image` is nil and
// `Placeholder` carries the text to show instead.
type UploadPreview struct {
	FileIndex   int
	Name        string
	Width       int
	Height      int
	TooLarge    bool
	Placeholder string
	Image       image.Image
}

type PreviewFunction func(preview *UploadPreview)

func isPreviewImageName(name string) bool {
	return previewImageExtensions[strings.ToLower(path.Ext(name))]
}

// best effort. runs out of band and never affects the transfers.
func (self *UploadManager) generatePreviews(job *UploadJob) {
	if !self.settings.PreviewEnabled {
		return
	}
	if self.settings.PreviewMaxFileCount < len(job.files) {
		glog.V(1).Infof("[up]%s previews skipped, %d files over cap %d\n", job.jobId, len(job.files), self.settings.PreviewMaxFileCount)
		return
	}

	for fileIndex, file := range job.files {
		if !isPreviewImageName(file.Name) {
			continue
		}
		preview := self.decodePreview(job, fileIndex, file)
		if preview == nil {
			continue
		}
		for _, callback := range self.previewCallbacks.Get() {
			callback(preview)
		}
	}
}

func (self *UploadManager) decodePreview(job *UploadJob, fileIndex int, file UploadFile) *UploadPreview {
	source, err := file.Open()
	if err != nil {
		return nil
	}
	config, _, err := image.DecodeConfig(source)
	source.Close()
	if err != nil {
		glog.V(2).Infof("[up]%s[%d] preview decode config = %s\n", job.jobId, fileIndex, err)
		return nil
	}

	preview := &UploadPreview{
		FileIndex: fileIndex,
		Name:      file.Name,
		Width:     config.Width,
		Height:    config.Height,
	}

	if self.settings.PreviewMaxPixels < config.Width*config.Height {
		// downgrade silently to bound client memory
		preview.TooLarge = true
		preview.Placeholder = previewTooLargeText
		return preview
	}

	source, err = file.Open()
	if err != nil {
		return nil
	}
	defer source.Close()
	decoded, _, err := image.Decode(source)
	if err != nil {
		glog.V(2).Infof("[up]%s[%d] preview decode = %s\n", job.jobId, fileIndex, err)
		return nil
	}
	preview.Image = decoded
	return preview
}
