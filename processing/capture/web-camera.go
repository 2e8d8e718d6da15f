package capture

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"sync"
)

// FFmpegWebcamStreamer reads a named capture device (v4l2 path or dshow name)
// through ffmpeg. Frames are dropped when the consumer falls behind.
type FFmpegWebcamStreamer struct {
	stopOnce sync.Once
	// the reader goroutine and Stop both reap ffmpeg
	reapOnce sync.Once

	deviceName string
	width      int
	height     int
	targetFPS  uint

	cmd       *exec.Cmd
	frameChan chan image.Image
	errChan   chan error

	stopChan chan struct{}
}

func NewFFmpegWebcam(deviceName string, targetFps uint, width int, height int) *FFmpegWebcamStreamer {
	if targetFps == 0 {
		targetFps = standartFps
	}
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}

	return &FFmpegWebcamStreamer{
		deviceName: deviceName,
		width:      width,
		height:     height,
		targetFPS:  targetFps,

		frameChan: make(chan image.Image, 1),
		errChan:   make(chan error, 1),
		stopChan:  make(chan struct{}),
	}
}

func (ws *FFmpegWebcamStreamer) args() []string {
	input := []string{"-f", "v4l2", "-i", ws.deviceName}
	if runtime.GOOS == "windows" {
		input = []string{"-f", "dshow", "-i", fmt.Sprintf("video=%s", ws.deviceName)}
	}

	return append(input,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", ws.targetFPS, ws.width, ws.height),
		"-f", "image2pipe",
		"-pix_fmt", "rgba",
		"-vcodec", "rawvideo",
		"-",
	)
}

func (ws *FFmpegWebcamStreamer) Start() error {
	ws.cmd = exec.Command("ffmpeg", ws.args()...)

	var stderr bytes.Buffer
	ws.cmd.Stderr = &stderr

	stdout, err := ws.cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := ws.cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start error: %w. Details: %s", err, stderr.String())
	}

	go ws.readLoop(stdout)

	return nil
}

func (ws *FFmpegWebcamStreamer) readLoop(stdout io.ReadCloser) {
	defer close(ws.frameChan)
	defer close(ws.errChan)
	defer stdout.Close()
	defer ws.stopCmdOut()

	for {
		select {
		case <-ws.stopChan:
			return

		default:
			img, err := readRGBAFrame(stdout, ws.width, ws.height)
			if err != nil {
				select {
				case <-ws.stopChan:
				case ws.errChan <- fmt.Errorf("read error: %w", err):
				}
				return
			}

			select {
			case ws.frameChan <- img:
			default:
			}
		}
	}
}

func (ws *FFmpegWebcamStreamer) stopCmdOut() {
	ws.reapOnce.Do(func() {
		if ws.cmd != nil && ws.cmd.Process != nil {
			ws.cmd.Process.Kill()
			ws.cmd.Wait()
		}
	})
}

func (ws *FFmpegWebcamStreamer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.stopChan)
		ws.stopCmdOut()
	})
}

func (ws *FFmpegWebcamStreamer) FrameChan() <-chan image.Image { return ws.frameChan }
func (ws *FFmpegWebcamStreamer) ErrorChan() <-chan error       { return ws.errChan }

var dshowDevice = regexp.MustCompile(`"([^"]+)"\s+\(video\)`)

func ListCameras() ([]string, error) {
	if runtime.GOOS == "windows" {
		cmd := exec.Command("ffmpeg", "-list_devices", "true", "-f", "dshow", "-i", "dummy")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		// ffmpeg exits non-zero after listing
		_ = cmd.Run()

		return parseDshowDevices(stderr.String()), nil
	}

	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}

	var cameras []string
	for _, m := range matches {
		if _, err := os.Stat(m); err == nil {
			cameras = append(cameras, m)
		}
	}
	sort.Strings(cameras)

	return cameras, nil
}

func parseDshowDevices(output string) []string {
	var cameras []string
	seen := make(map[string]bool)

	for _, m := range dshowDevice.FindAllStringSubmatch(output, -1) {
		name := m[1]
		if name != "dummy" && !seen[name] {
			cameras = append(cameras, name)
			seen[name] = true
		}
	}
	return cameras
}
