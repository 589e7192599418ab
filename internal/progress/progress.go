package progress

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Bar wraps one mpb progress bar; the zero-value methods on a nil Bar
// are no-ops so callers can thread it through unconditionally.
type Bar struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

// New creates a byte-count progress bar when enabled and stderr is a
// terminal; otherwise returns nil.
func New(enabled bool, name string, total int64) *Bar {
	if !enabled || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	p := mpb.New(mpb.WithOutput(os.Stderr), mpb.WithWidth(48))
	bar := p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name+" "),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.Name(" "),
			decor.AverageSpeed(decor.SizeB1024(0), "% .1f"),
		),
	)
	return &Bar{p: p, bar: bar}
}

// Add advances the bar by n bytes.
func (b *Bar) Add(n int64) {
	if b == nil {
		return
	}
	b.bar.IncrInt64(n)
}

// Done completes and flushes the bar.
func (b *Bar) Done() {
	if b == nil {
		return
	}
	b.bar.SetTotal(-1, true)
	b.p.Wait()
}
