package cwidget

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
)

type Input[T any] struct {
	widget.BaseWidget

	labelWidget *widget.Label
	entryWidget *widget.Entry
	errorWidget *widget.Label

	LabelText   string
	Placeholder string

	DefaultValue T

	OnChanged func(T)

	Validator func(string) (T, error)
	Format    func(T) string
}

func newInput[T any](label, placeholder string, defaultValue T, format func(T) string, onChanged func(T)) *Input[T] {
	input := &Input[T]{
		LabelText:    label,
		Placeholder:  placeholder,
		OnChanged:    onChanged,
		DefaultValue: defaultValue,
		Format:       format,
	}

	input.labelWidget = widget.NewLabel(fmt.Sprintf("%s: %s", label, format(defaultValue)))
	input.labelWidget.TextStyle = fyne.TextStyle{Bold: true}

	input.entryWidget = widget.NewEntry()
	input.entryWidget.SetPlaceHolder(placeholder)

	input.errorWidget = widget.NewLabel("")
	input.errorWidget.Hidden = true
	input.errorWidget.TextStyle = fyne.TextStyle{Italic: true}
	input.errorWidget.Importance = widget.DangerImportance

	input.entryWidget.OnChanged = func(s string) {
		res, err := input.Validator(s)
		input.SetError(err)

		if err == nil {
			if input.OnChanged != nil {
				input.OnChanged(res)
			}
			input.SetValueLabel(res)
		}
	}

	input.ExtendBaseWidget(input)

	return input
}

// NewRangeInput accepts decimals in [min, max]; an empty entry means the default.
func NewRangeInput(label, placeholder string, defaultValue, min, max float64, onChanged func(float64)) *Input[float64] {
	input := newInput(label, placeholder, defaultValue, func(v float64) string {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}, onChanged)

	input.Validator = func(s string) (float64, error) {
		s = strings.TrimSpace(s)
		if s == "" {
			return input.DefaultValue, nil
		}

		res, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return input.DefaultValue, errors.New("not a number")
		}
		if res < min || res > max {
			return input.DefaultValue, fmt.Errorf("must be between %.2f and %.2f", min, max)
		}
		return res, nil
	}

	return input
}

func (item *Input[T]) CreateRenderer() fyne.WidgetRenderer {
	c := container.NewVBox(
		item.labelWidget,
		item.entryWidget,
		item.errorWidget,
	)

	return widget.NewSimpleRenderer(c)
}

func (item *Input[T]) SetError(err error) {
	item.errorWidget.Hidden = err == nil
	if err != nil {
		item.errorWidget.SetText(err.Error())
	}
	item.errorWidget.Refresh()
}

// SetValueLabel updates the caption without touching the entry, for values
// changed elsewhere.
func (item *Input[T]) SetValueLabel(v T) {
	item.labelWidget.SetText(fmt.Sprintf("%s: %s", item.LabelText, item.Format(v)))
}

func (item *Input[T]) SetText(text string) {
	item.entryWidget.SetText(text)
}

func (item *Input[T]) Label() string {
	return item.labelWidget.Text
}

func (item *Input[T]) ErrorText() string {
	if item.errorWidget.Hidden {
		return ""
	}
	return item.errorWidget.Text
}
