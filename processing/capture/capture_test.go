package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct {
	frames   chan image.Image
	errs     chan error
	startErr error
	stopped  bool
}

func newFakeStreamer(n int) *fakeStreamer {
	f := &fakeStreamer{frames: make(chan image.Image, n), errs: make(chan error, 1)}
	for i := 0; i < n; i++ {
		f.frames <- image.NewRGBA(image.Rect(0, 0, 4, 4))
	}
	return f
}

func (f *fakeStreamer) Start() error                  { return f.startErr }
func (f *fakeStreamer) Stop()                         { f.stopped = true }
func (f *fakeStreamer) FrameChan() <-chan image.Image { return f.frames }
func (f *fakeStreamer) ErrorChan() <-chan error       { return f.errs }

func TestStreamSourceReadsUntilClosed(t *testing.T) {
	fs := newFakeStreamer(2)
	close(fs.frames)

	src, err := NewStreamSource(fs)
	require.NoError(t, err)

	f1, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.Index)

	f2, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f2.Index)

	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, src.Close())
	assert.True(t, fs.stopped)
}

func TestStreamSourceErrorIsEndOfStream(t *testing.T) {
	fs := newFakeStreamer(0)
	fs.errs <- errors.New("broken pipe")

	src, err := NewStreamSource(fs)
	require.NoError(t, err)

	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.EqualError(t, src.Err(), "broken pipe")
}

func TestStreamSourceStartFailure(t *testing.T) {
	fs := newFakeStreamer(0)
	fs.startErr = errors.New("no ffmpeg")

	_, err := NewStreamSource(fs)
	assert.ErrorIs(t, err, ErrSourceOpen)
}

func TestStreamSourceHonoursContext(t *testing.T) {
	src, err := NewStreamSource(newFakeStreamer(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = src.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStillImageSingleFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	img := image.NewNRGBA(image.Rect(0, 0, 32, 16))
	img.Set(3, 3, color.NRGBA{255, 0, 0, 255})
	require.NoError(t, imaging.Save(img, path))

	src, err := OpenImage(path)
	require.NoError(t, err)

	frame, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 32, frame.Pixels.Bounds().Dx())

	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenImageMissing(t *testing.T) {
	_, err := OpenImage(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, ErrSourceOpen)
}

func TestReadRGBAFrame(t *testing.T) {
	pix := bytes.Repeat([]byte{1, 2, 3, 4}, 6)
	img, err := readRGBAFrame(bytes.NewReader(pix), 3, 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, 12, img.Stride)

	_, err = readRGBAFrame(bytes.NewReader(pix[:10]), 3, 2)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParseProbe(t *testing.T) {
	w, h, err := parseProbe([]byte(`{"streams":[{"width":1280,"height":720}]}`))
	require.NoError(t, err)
	assert.Equal(t, uint16(1280), w)
	assert.Equal(t, uint16(720), h)

	_, _, err = parseProbe([]byte(`{"streams":[]}`))
	assert.Error(t, err)
}

func TestParseDshowDevices(t *testing.T) {
	out := `[dshow] "Integrated Camera" (video)
[dshow] "Microphone" (audio)
[dshow] "Integrated Camera" (video)
[dshow] "USB Cam" (video)`

	assert.Equal(t, []string{"Integrated Camera", "USB Cam"}, parseDshowDevices(out))
}
