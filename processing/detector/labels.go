package detector

import (
	"fmt"

	"safetyvision/internal/models"
)

// Labeler names a raw detection from a single member model.
type Labeler interface {
	Label(raw models.RawDetection) string
}

// FixedLabel names every detection the same, for single-purpose models.
type FixedLabel string

func (l FixedLabel) Label(models.RawDetection) string { return string(l) }

// ClassTable maps class indices to names; indices outside the table become
// "class_N".
type ClassTable []string

func (t ClassTable) Label(raw models.RawDetection) string {
	if raw.ClassID >= 0 && raw.ClassID < len(t) {
		return t[raw.ClassID]
	}
	return fmt.Sprintf("class_%d", raw.ClassID)
}

// PassThrough keeps a label the producer already attached.
type PassThrough struct{}

func (PassThrough) Label(raw models.RawDetection) string {
	if raw.Label != "" {
		return raw.Label
	}
	return fmt.Sprintf("class_%d", raw.ClassID)
}
