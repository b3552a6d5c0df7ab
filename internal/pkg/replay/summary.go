package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/endorses/rtsphelper/internal/pkg/conntrack"
	"github.com/endorses/rtsphelper/internal/pkg/helper"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
	"github.com/endorses/rtsphelper/internal/pkg/pcapwriter"
)

// Pending describes an expectation still waiting at the end of a replay
type Pending struct {
	ID      string    `yaml:"id"`
	Proto   string    `yaml:"proto"`
	Src     string    `yaml:"src"`
	Dst     string    `yaml:"dst"`
	Ports   string    `yaml:"ports"`
	Master  string    `yaml:"master"`
	Expires time.Time `yaml:"expires"`
}

// Summary is the outcome of a replay
type Summary struct {
	Input     string          `yaml:"input"`
	Output    string          `yaml:"output,omitempty"`
	Packets   Stats           `yaml:"packets"`
	Helper    helper.Stats    `yaml:"helper"`
	Conntrack conntrack.Stats `yaml:"conntrack"`
	Pending   []Pending       `yaml:"pending_expectations,omitempty"`
}

// Summary collects the counters and pending expectations of the engine
func (e *Engine) Summary() *Summary {
	s := &Summary{
		Packets:   e.stats,
		Helper:    e.helper.Stats(),
		Conntrack: e.table.Stats(),
	}
	for _, exp := range e.table.AllExpectations() {
		src := "*"
		if exp.Src.IsValid() {
			src = exp.Src.String()
		}
		s.Pending = append(s.Pending, Pending{
			ID:      exp.ID.String(),
			Proto:   exp.Proto.String(),
			Src:     src,
			Dst:     exp.Dst.String(),
			Ports:   exp.Ports.String(),
			Master:  exp.Master.Tuple(conntrack.DirOriginal).String(),
			Expires: exp.Expires,
		})
	}
	return s
}

// ReplayFile replays the capture at input, writing surviving packets to
// output when it is not empty
func ReplayFile(ctx context.Context, cfg *helper.Config, input, output string) (*Summary, error) {
	src, closer, err := OpenFile(input)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var opts []Option
	var w *pcapwriter.Writer
	if output != "" {
		wcfg := pcapwriter.DefaultConfig()
		wcfg.FilePath = output
		wcfg.LinkType = src.LinkType()
		w, err = pcapwriter.New(wcfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSink(w))
	}

	e, err := New(cfg, opts...)
	if err != nil {
		if w != nil {
			w.Close()
		}
		return nil, err
	}

	logger.Info("Replaying capture", "input", input, "output", output, "link_type", src.LinkType().String())
	runErr := e.Run(ctx, src)
	if w != nil {
		if err := w.Close(); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return nil, fmt.Errorf("replay %s: %w", input, runErr)
	}

	s := e.Summary()
	s.Input = input
	s.Output = output
	return s, nil
}
