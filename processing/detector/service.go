package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/url"
	"strings"
	"sync"
	"time"

	"safetyvision/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const remoteTimeout = 5 * time.Second

// RemoteDetector is a Predictor backed by a websocket detection server.
// Each call sends one JPEG frame and waits for a JSON list of
// models.DetectionResult. A broken connection is redialled on the next call.
type RemoteDetector struct {
	mu sync.Mutex

	serverURL string
	timeout   time.Duration
	conn      *websocket.Conn

	log *logrus.Entry
}

func IsRemote(path string) bool {
	return strings.HasPrefix(path, "ws://") || strings.HasPrefix(path, "wss://")
}

// NewRemoteDetector accepts a full ws:// URL or a bare host:port, which gets
// the /ws path.
func NewRemoteDetector(target string, log *logrus.Entry) (*RemoteDetector, error) {
	if !IsRemote(target) {
		target = (&url.URL{Scheme: "ws", Host: target, Path: "/ws"}).String()
	}

	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("bad detector url %q", target)
	}

	return &RemoteDetector{
		serverURL: u.String(),
		timeout:   remoteTimeout,
		log:       log.WithField("server", u.String()),
	}, nil
}

func (d *RemoteDetector) URL() string { return d.serverURL }

func (d *RemoteDetector) Predict(ctx context.Context, img image.Image, th models.Thresholds) ([]models.RawDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.connect(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("JPEG encode error: %w", err)
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	d.conn.SetWriteDeadline(deadline)
	if err := d.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		d.drop(err)
		return nil, fmt.Errorf("send frame: %w", err)
	}

	d.conn.SetReadDeadline(deadline)
	_, message, err := d.conn.ReadMessage()
	if err != nil {
		d.drop(err)
		return nil, fmt.Errorf("read results: %w", err)
	}

	var results []models.DetectionResult
	if err := json.Unmarshal(message, &results); err != nil {
		return nil, fmt.Errorf("JSON decode error: %w", err)
	}

	return fromRemote(results, img.Bounds(), th.Confidence), nil
}

func (d *RemoteDetector) connect(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}

	d.log.Info("connecting to detector server...")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.serverURL, nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	d.log.Info("connected to detection server")
	d.conn = conn
	return nil
}

func (d *RemoteDetector) drop(cause error) {
	d.log.WithError(cause).Warn("connection lost")
	d.conn.Close()
	d.conn = nil
}

func (d *RemoteDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	d.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := d.conn.Close()
	d.conn = nil
	return err
}

// fromRemote converts normalized [y1, x1, y2, x2] boxes to pixels and drops
// results under the confidence threshold.
func fromRemote(results []models.DetectionResult, bounds image.Rectangle, conf float64) []models.RawDetection {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	out := make([]models.RawDetection, 0, len(results))
	for _, res := range results {
		if len(res.Box) != 4 || float64(res.Confidence) < conf {
			continue
		}
		out = append(out, models.RawDetection{
			ClassID:    -1,
			Label:      res.Label,
			Confidence: float64(res.Confidence),
			Box: models.Box{
				X1: float64(bounds.Min.X) + float64(res.Box[1])*w,
				Y1: float64(bounds.Min.Y) + float64(res.Box[0])*h,
				X2: float64(bounds.Min.X) + float64(res.Box[3])*w,
				Y2: float64(bounds.Min.Y) + float64(res.Box[2])*h,
			},
		})
	}
	return out
}
