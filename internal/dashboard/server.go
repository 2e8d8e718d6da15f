package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"image"
	"net/http"
	"time"

	"safetyvision/internal/metrics"
	"safetyvision/internal/models"
	"safetyvision/processing/detector"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	DefaultAddr        = ":8501"
	DefaultMaxUploadMB = 32
	DefaultConfidence  = 0.5
	DownloadName       = "human_detection_result.png"
)

// Detector is the ensemble as seen by the dashboard.
type Detector interface {
	Detect(ctx context.Context, frame image.Image, th models.Thresholds) detector.Result
}

type Options struct {
	Detector    Detector
	Metrics     *metrics.Metrics
	Log         *logrus.Entry
	HistorySize int
	MaxUploadMB int64
	// IoU is used for every request; confidence comes from the form.
	IoU float64
	// Confidence is the slider's starting value and the threshold used when
	// a request sends none. Zero keeps every detection; values outside
	// [0, 1] fall back to DefaultConfidence.
	Confidence float64
}

type Server struct {
	detector   Detector
	metrics    *metrics.Metrics
	log        *logrus.Entry
	history    *History
	page       *template.Template
	maxUpload  int64
	iou        float64
	confidence float64
	now        func() time.Time
}

func NewServer(opts Options) (*Server, error) {
	if opts.Detector == nil {
		return nil, errors.New("dashboard: detector is required")
	}

	page, err := template.New("index.html").Funcs(template.FuncMap{
		"percent": formatPercent,
	}).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		detector:   opts.Detector,
		metrics:    opts.Metrics,
		log:        opts.Log,
		history:    NewHistory(opts.HistorySize),
		page:       page,
		maxUpload:  opts.MaxUploadMB << 20,
		iou:        opts.IoU,
		confidence: opts.Confidence,
		now:        time.Now,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadMB << 20
	}
	if s.iou <= 0 {
		s.iou = 0.45
	}
	if s.confidence < 0 || s.confidence > 1 {
		s.confidence = DefaultConfidence
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return s, nil
}

func (s *Server) History() *History {
	return s.history
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/upload", s.handleUpload).Methods("POST")
	r.HandleFunc("/results/{id}/download", s.handleDownload).Methods("GET")
	r.HandleFunc("/detect", s.handleDetect).Methods("POST")
	r.HandleFunc("/api/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	r.Use(s.logRequests)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

// ListenAndServe serves until ctx is cancelled, then drains for up to five
// seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		Addr:         addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("dashboard listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
