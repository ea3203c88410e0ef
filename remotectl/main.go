package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"gopkg.in/yaml.v3"

	"github.com/viewlink/remote"
)

const RemoteCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Remote session control.

Runs a headless client against a remote session server: bootstrap a
session, watch its frame/content updates, or push an upload batch.

Usage:
    remotectl connect --url=<url> [--jwt=<jwt>] [--config=<config>]
    remotectl watch --url=<url> [--jwt=<jwt>] [--config=<config>]
        [--frame_count=<frame_count>]
        [--out_dir=<out_dir>]
    remotectl upload --url=<url> --widget=<widget_id>
        [--jwt=<jwt>] [--config=<config>] <file>...

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --url=<url>                    App entry point url.
    --widget=<widget_id>           Target upload widget id.
    --jwt=<jwt>                    Bearer token attached to requests.
    --config=<config>              YAML settings file.
    --frame_count=<frame_count>    Exit after this many frames.
    --out_dir=<out_dir>            Directory for received frames [default: .].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RemoteCtlVersion)
	if err != nil {
		panic(err)
	}

	if connect_, _ := opts.Bool("connect"); connect_ {
		connect(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if upload_, _ := opts.Bool("upload"); upload_ {
		upload(opts)
	}
}

type ctlSettings struct {
	Url       string `yaml:"url"`
	Jwt       string `yaml:"jwt"`
	CadenceMs int    `yaml:"cadence_ms"`
	Upload    struct {
		MaxFileCount  int   `yaml:"max_file_count"`
		MaxTotalBytes int64 `yaml:"max_total_bytes"`
	} `yaml:"upload"`
}

func loadSettings(opts docopt.Opts) *ctlSettings {
	settings := &ctlSettings{}
	if path, err := opts.String("--config"); err == nil && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			Err.Fatalf("could not read config: %s", err)
		}
		if err := yaml.Unmarshal(data, settings); err != nil {
			Err.Fatalf("could not parse config: %s", err)
		}
	}
	if url, err := opts.String("--url"); err == nil && url != "" {
		settings.Url = url
	}
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		settings.Jwt = jwt
	}
	return settings
}

func logAuthTags(byJwt string) {
	if byJwt == "" {
		return
	}
	if claims, err := remote.ParseByJwtUnverified(byJwt); err == nil {
		glog.V(1).Infof("[ctl]client_id = %s\n", claims.ClientId)
	}
}

func bootstrap(settings *ctlSettings) *remote.SessionConfig {
	api := remote.NewApi(settings.Url)
	defer api.Close()
	api.SetByJwt(settings.Jwt)
	logAuthTags(settings.Jwt)

	config, err := api.ConnectSessionSync()
	if err != nil {
		Err.Fatalf("bootstrap failed: %s", err)
	}
	return config
}

func connect(opts docopt.Opts) {
	settings := loadSettings(opts)
	config := bootstrap(settings)

	configJson, _ := json.MarshalIndent(config, "", "    ")
	Out.Printf("%s\n", configJson)
}

// writes received frames to disk and prints content patches
type ctlSurface struct{}

func (self *ctlSurface) SetContent(elementId string, html string) bool {
	Out.Printf("[%s] %s\n", elementId, html)
	return true
}

func (self *ctlSurface) RunScript(script string) {
	Out.Printf("[script] %s\n", script)
}

type ctlSink struct {
	outDir     string
	frameCount int
	done       chan struct{}
	maxFrames  int
}

func (self *ctlSink) DisplayFrame(frame []byte) {
	self.frameCount += 1
	path := filepath.Join(self.outDir, fmt.Sprintf("frame_%05d.jpg", self.frameCount))
	if err := os.WriteFile(path, frame, 0644); err != nil {
		Err.Printf("could not write frame: %s", err)
		return
	}
	Out.Printf("%s (%d bytes)", path, len(frame))
	if 0 < self.maxFrames && self.maxFrames <= self.frameCount {
		select {
		case <-self.done:
		default:
			close(self.done)
		}
	}
}

func watch(opts docopt.Opts) {
	settings := loadSettings(opts)
	config := bootstrap(settings)

	outDir, _ := opts.String("--out_dir")
	maxFrames, _ := opts.Int("--frame_count")

	sink := &ctlSink{
		outDir:    outDir,
		done:      make(chan struct{}),
		maxFrames: maxFrames,
	}

	clientSettings := remote.DefaultClientSettings()
	clientSettings.SyncSettings.ByJwt = settings.Jwt
	if 0 < settings.CadenceMs {
		clientSettings.SyncSettings.Cadence = time.Duration(settings.CadenceMs) * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := remote.NewClient(ctx, config, &ctlSurface{}, sink, clientSettings)
	defer client.Close()
	client.AddConnectivityCallback(func(connected bool) {
		if connected {
			Out.Printf("connected")
		} else {
			Out.Printf("disconnected, retrying")
		}
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sink.done:
	case <-interrupt:
	}
}

func upload(opts docopt.Opts) {
	settings := loadSettings(opts)

	widgetId, _ := opts.String("--widget")
	paths := opts["<file>"].([]string)

	files := []remote.UploadFile{}
	for _, path := range paths {
		filePath := path
		info, err := os.Stat(filePath)
		if err != nil {
			Err.Fatalf("cannot stat %s: %s", filePath, err)
		}
		files = append(files, remote.UploadFile{
			Name: filepath.Base(filePath),
			Size: info.Size(),
			Open: func() (io.ReadCloser, error) {
				return os.Open(filePath)
			},
		})
	}

	uploadSettings := remote.DefaultUploadSettings()
	uploadSettings.ByJwt = settings.Jwt
	if 0 < settings.Upload.MaxFileCount {
		uploadSettings.MaxFileCount = settings.Upload.MaxFileCount
	}
	if 0 < settings.Upload.MaxTotalBytes {
		uploadSettings.MaxTotalBytes = settings.Upload.MaxTotalBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := remote.NewUploadManager(ctx, settings.Url, widgetId, uploadSettings)
	defer manager.Close()
	manager.AddProgressCallback(func(job *remote.UploadJob) {
		Out.Printf("progress %.1f%%", job.AggregateProgress())
	})

	job, err := manager.Submit(files)
	if err != nil {
		Err.Fatalf("rejected: %s", err)
	}
	Out.Printf("upload %s: %d files", job.Id(), job.FileCount())

	<-job.Done()
	Out.Printf("upload %s: %s", job.Id(), job.State())
}
