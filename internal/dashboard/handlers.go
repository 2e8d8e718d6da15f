package dashboard

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"image"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"safetyvision/internal/models"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type DetectionJSON struct {
	Class  string     `json:"class"`
	Conf   float64    `json:"conf"`
	Box    [4]float64 `json:"box"`
	Source string     `json:"source,omitempty"`
}

type DetectResponse struct {
	ID          string          `json:"id"`
	Detections  []DetectionJSON `json:"detections"`
	Image       string          `json:"image"`
	ClassCounts map[string]int  `json:"class_counts"`
	Confidences []float64       `json:"confidences"`
}

type requestError struct {
	code   string
	status int
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(code string, err error) error {
	return &requestError{code: code, status: http.StatusBadRequest, err: err}
}

type pageData struct {
	Confidence float64
	Error      string
	Result     *resultView
	History    []*Entry
}

type resultView struct {
	ID          string
	Filename    string
	Original    template.URL
	Annotated   template.URL
	Detections  []models.Detection
	Counts      []classCount
	DownloadURL string
}

type classCount struct {
	Class string
	Count int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, pageData{Confidence: s.confidence, History: s.history.List()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.Add(1)

	entry, err := s.process(w, r)
	if err != nil {
		s.metrics.RequestErrors.Add(1)
		code, status := classify(err)
		s.log.WithError(err).WithField("code", code).Warn("upload failed")
		s.render(w, status, pageData{
			Confidence: s.formConfidence(r),
			Error:      err.Error(),
			History:    s.history.List(),
		})
		return
	}

	s.render(w, http.StatusOK, pageData{
		Confidence: entry.Confidence,
		Result:     newResultView(entry),
		History:    s.history.List(),
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.Add(1)

	entry, err := s.process(w, r)
	if err != nil {
		s.metrics.RequestErrors.Add(1)
		code, status := classify(err)
		sendErrorResponse(w, code, err.Error(), status)
		return
	}

	resp := DetectResponse{
		ID:          entry.ID,
		Detections:  make([]DetectionJSON, 0, len(entry.Detections)),
		Image:       base64.StdEncoding.EncodeToString(entry.annotated),
		ClassCounts: entry.ClassCounts,
		Confidences: make([]float64, 0, len(entry.Detections)),
	}
	for _, d := range entry.Detections {
		resp.Detections = append(resp.Detections, DetectionJSON{
			Class:  d.ClassName,
			Conf:   d.Confidence,
			Box:    [4]float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
			Source: d.Source,
		})
		resp.Confidences = append(resp.Confidences, d.Confidence)
	}

	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.history.Get(id)
	if !ok {
		sendErrorResponse(w, "not_found", fmt.Sprintf("no result %q", id), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", DownloadName))
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.annotated)))
	w.Write(entry.annotated)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.history.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"history": s.history.Len(),
	})
}

// process runs one uploaded image through the ensemble and records it.
func (s *Server) process(w http.ResponseWriter, r *http.Request) (*Entry, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return nil, badRequest("invalid_request", err)
	}

	conf, err := parseConfidence(r.FormValue("conf"), s.confidence)
	if err != nil {
		return nil, badRequest("invalid_confidence", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, badRequest("invalid_request", fmt.Errorf("missing file: %w", err))
	}
	defer file.Close()

	if !allowedUpload(header.Filename) {
		return nil, badRequest("unsupported_type", fmt.Errorf("unsupported file type %q", header.Filename))
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, badRequest("invalid_request", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, badRequest("invalid_image", errors.New("failed to decode image"))
	}

	res := s.detector.Detect(r.Context(), img, models.Thresholds{Confidence: conf, IoU: s.iou})
	s.metrics.UpdateInferenceLatency(res.Latency)
	if res.Failed() {
		s.metrics.InferenceFailures.Add(1)
		return nil, fmt.Errorf("detection failed: %w", res.Err)
	}
	s.metrics.FramesProcessed.Add(1)
	for _, d := range res.Detections {
		s.metrics.ObserveDetection(d.ClassName, d.Source)
	}

	original, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	annotated, err := encodePNG(res.Frame)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:          uuid.NewString(),
		Filename:    header.Filename,
		Time:        s.now(),
		Confidence:  conf,
		Detections:  res.Detections,
		ClassCounts: models.CountByClass(res.Detections),
		Count:       len(res.Detections),
		original:    original,
		annotated:   annotated,
	}
	s.history.Add(entry)

	s.log.WithFields(logrus.Fields{
		"id":         entry.ID,
		"file":       entry.Filename,
		"detections": entry.Count,
		"latency":    res.Latency,
	}).Info("image processed")

	return entry, nil
}

func (s *Server) formConfidence(r *http.Request) float64 {
	v, err := parseConfidence(r.FormValue("conf"), s.confidence)
	if err != nil {
		return s.confidence
	}
	return v
}

func (s *Server) render(w http.ResponseWriter, status int, data pageData) {
	var buf bytes.Buffer
	if err := s.page.Execute(&buf, data); err != nil {
		s.log.WithError(err).Error("render page")
		sendErrorResponse(w, "render_error", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func newResultView(e *Entry) *resultView {
	counts := make([]classCount, 0, len(e.ClassCounts))
	for class, n := range e.ClassCounts {
		counts = append(counts, classCount{Class: class, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Class < counts[j].Class })

	return &resultView{
		ID:          e.ID,
		Filename:    e.Filename,
		Original:    dataURI(e.original),
		Annotated:   dataURI(e.annotated),
		Detections:  e.Detections,
		Counts:      counts,
		DownloadURL: "/results/" + e.ID + "/download",
	}
}

// parseConfidence accepts a value in [0, 1]; an empty value means def.
func parseConfidence(raw string, def float64) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("confidence %q is not a number", raw)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("confidence %.2f is outside [0, 1]", v)
	}
	return v, nil
}

var uploadExts = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff"}

func allowedUpload(name string) bool {
	name = strings.ToLower(name)
	for _, ext := range uploadExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func dataURI(png []byte) template.URL {
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png))
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 2, 64) + "%"
}

func classify(err error) (string, int) {
	var re *requestError
	if errors.As(err, &re) {
		return re.code, re.status
	}
	return "processing_error", http.StatusInternalServerError
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
