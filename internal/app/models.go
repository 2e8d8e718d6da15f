package app

import (
	"errors"
	"fmt"
	"os"

	"safetyvision/internal/config"
	"safetyvision/processing/detector"
	"safetyvision/processing/inference"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Loader turns a model spec into a predictor placed on one device.
type Loader interface {
	Load(spec inference.ModelSpec) (detector.Predictor, error)
	Device() string
	Close() error
}

type runtimeLoader struct {
	rt *inference.Runtime
}

func newRuntimeLoader(libPath, device string, log *logrus.Entry) (Loader, error) {
	rt, err := inference.NewRuntime(libPath, device, log)
	if err != nil {
		return nil, err
	}
	return &runtimeLoader{rt: rt}, nil
}

func (l *runtimeLoader) Load(spec inference.ModelSpec) (detector.Predictor, error) {
	m, err := l.rt.Load(spec)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (l *runtimeLoader) Device() string { return l.rt.Device().String() }
func (l *runtimeLoader) Close() error   { return l.rt.Close() }

// checkModelFiles fails fast on local model paths that do not exist, before
// any runtime, camera or window is touched.
func checkModelFiles(mcs ...config.ModelConfig) error {
	for _, mc := range mcs {
		if mc.Path == "" || detector.IsRemote(mc.Path) {
			continue
		}
		if _, err := os.Stat(mc.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("model file '%s' not found: %w", mc.Path, inference.ErrModelNotFound)
			}
			return err
		}
	}
	return nil
}

// modelSet owns everything a built ensemble needs released.
type modelSet struct {
	ensemble *detector.Ensemble
	loader   Loader
	device   string
}

func (s *modelSet) Close() error {
	err := s.ensemble.Close()
	if s.loader != nil {
		err = multierr.Append(err, s.loader.Close())
	}
	return err
}

// buildMembers loads each model config into an ensemble member. Remote
// members are dialled lazily; the runtime is created only when a local model
// is present.
func (a *CLI) buildMembers(log *logrus.Entry, mcs []config.ModelConfig, wrap func(detector.Predictor) detector.Predictor) ([]detector.Member, Loader, error) {
	var (
		members []detector.Member
		loader  Loader
	)

	fail := func(err error) ([]detector.Member, Loader, error) {
		for _, m := range members {
			if c, ok := m.Model.(interface{ Close() error }); ok {
				c.Close()
			}
		}
		if loader != nil {
			loader.Close()
		}
		return nil, nil, err
	}

	for _, mc := range mcs {
		var (
			model  detector.Predictor
			labels detector.Labeler
		)

		if detector.IsRemote(mc.Path) {
			remote, err := detector.NewRemoteDetector(mc.Path, log.WithField("model", mc.Name))
			if err != nil {
				return fail(err)
			}
			model, labels = remote, detector.PassThrough{}
		} else {
			if loader == nil {
				l, err := a.deps.NewLoader(a.cfg.RuntimeLib, a.cfg.GetDevice(), log)
				if err != nil {
					return fail(err)
				}
				loader = l
			}

			classes := len(mc.Classes)
			if classes == 0 {
				classes = inference.DefaultClassCount
			}
			local, err := loader.Load(inference.ModelSpec{
				Name:       mc.Name,
				Path:       mc.Path,
				InputSize:  inference.DefaultInputSize,
				NumClasses: classes,
			})
			if err != nil {
				return fail(fmt.Errorf("load %s model: %w", mc.Name, err))
			}
			model, labels = local, labelerFor(mc)
		}

		if wrap != nil {
			model = wrap(model)
		}
		members = append(members, detector.Member{Name: mc.Name, Model: model, Labels: labels})
	}

	return members, loader, nil
}

func labelerFor(mc config.ModelConfig) detector.Labeler {
	switch {
	case mc.Label != "":
		return detector.FixedLabel(mc.Label)
	case len(mc.Classes) > 0:
		return detector.ClassTable(mc.Classes)
	default:
		return detector.PassThrough{}
	}
}

func deviceName(loader Loader) string {
	if loader == nil {
		return "remote"
	}
	return loader.Device()
}
