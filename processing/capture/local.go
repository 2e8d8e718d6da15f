package capture

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os/exec"
	"sync"
	"time"
)

const (
	bytesPerPixel = 4
	standartFps   = 30
)

// LocalFileStreamer decodes a video file with ffmpeg into RGBA frames paced at targetFPS.
type LocalFileStreamer struct {
	stopOnce sync.Once
	// the reader goroutine and Stop both reap ffmpeg
	reapOnce sync.Once

	path      string
	targetFPS uint

	width  int
	height int

	cmd       *exec.Cmd
	frameChan chan image.Image
	errChan   chan error
	stopChan  chan struct{}
}

// NewLocalStreamer keeps the native resolution unless both width and height are set.
func NewLocalStreamer(path string, targetFPS uint, width, height int) (*LocalFileStreamer, error) {
	if width <= 0 || height <= 0 {
		w, h, err := probeVideoDimensions(path)
		if err != nil {
			return nil, fmt.Errorf("failed to probe video: %w", err)
		}
		width, height = int(w), int(h)
	}

	if targetFPS == 0 {
		targetFPS = standartFps
	}

	return &LocalFileStreamer{
		path:      path,
		targetFPS: targetFPS,
		width:     width,
		height:    height,
		frameChan: make(chan image.Image, 10),
		errChan:   make(chan error, 1),
		stopChan:  make(chan struct{}),
	}, nil
}

func (ls *LocalFileStreamer) args() []string {
	return []string{
		"-loglevel", "error",
		"-i", ls.path,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", ls.targetFPS, ls.width, ls.height),
		"-f", "image2pipe",
		"-pix_fmt", "rgba",
		"-vcodec", "rawvideo",
		"-",
	}
}

func (ls *LocalFileStreamer) Start() error {
	ls.cmd = exec.Command("ffmpeg", ls.args()...)

	stdout, err := ls.cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := ls.cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start error: %w", err)
	}

	go ls.readFrames(stdout)

	return nil
}

func (ls *LocalFileStreamer) readFrames(stdout io.ReadCloser) {
	defer close(ls.frameChan)
	defer close(ls.errChan)
	defer stdout.Close()
	defer ls.stopCmdOut()

	frameDuration := time.Second / time.Duration(ls.targetFPS)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stopChan:
			return

		case <-ticker.C:
			img, err := readRGBAFrame(stdout, ls.width, ls.height)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			if err != nil {
				select {
				case <-ls.stopChan:
				case ls.errChan <- fmt.Errorf("read error: %w", err):
				}
				return
			}

			select {
			case ls.frameChan <- img:
			case <-ls.stopChan:
				return
			}
		}
	}
}

// readRGBAFrame reads exactly one width x height RGBA frame from r.
func readRGBAFrame(r io.Reader, width, height int) (*image.RGBA, error) {
	pix := make([]byte, width*height*bytesPerPixel)
	if _, err := io.ReadFull(r, pix); err != nil {
		return nil, err
	}

	return &image.RGBA{
		Pix:    pix,
		Stride: width * bytesPerPixel,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

func (ls *LocalFileStreamer) stopCmdOut() {
	ls.reapOnce.Do(func() {
		if ls.cmd != nil && ls.cmd.Process != nil {
			ls.cmd.Process.Kill()
			ls.cmd.Wait()
		}
	})
}

func (ls *LocalFileStreamer) Stop() {
	ls.stopOnce.Do(func() {
		close(ls.stopChan)
		ls.stopCmdOut()
	})
}

func (ls *LocalFileStreamer) FrameChan() <-chan image.Image {
	return ls.frameChan
}

func (ls *LocalFileStreamer) ErrorChan() <-chan error {
	return ls.errChan
}

type probeData struct {
	Streams []struct {
		Width  uint16 `json:"width"`
		Height uint16 `json:"height"`
	} `json:"streams"`
}

func probeVideoDimensions(path string) (uint16, uint16, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, 0, err
	}

	return parseProbe(output)
}

func parseProbe(output []byte) (uint16, uint16, error) {
	var data probeData
	if err := json.Unmarshal(output, &data); err != nil {
		return 0, 0, err
	}

	if len(data.Streams) == 0 {
		return 0, 0, fmt.Errorf("no video streams found")
	}

	return data.Streams[0].Width, data.Streams[0].Height, nil
}
