/*
 *     Copyright 2025 The CNAI Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pb

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	mpbv8 "github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var disableProgress atomic.Bool

// SetDisableProgress turns rendering off for every progress bar created
// afterwards.
func SetDisableProgress(disable bool) {
	disableProgress.Store(disable)
}

// NormalizePrompt normalizes the prompt string.
func NormalizePrompt(prompt string) string {
	return fmt.Sprintf("%s =>", prompt)
}

// ProgressBar renders one counter bar per named job, e.g. one per image
// counting its tiles.
type ProgressBar struct {
	mu   sync.RWMutex
	mpb  *mpbv8.Progress
	bars map[string]*progressBar
	stop sync.Once
}

type progressBar struct {
	*mpbv8.Bar
	total int64
	msg   string
}

// NewProgressBar creates a new progress bar writing to writer, or stdout
// when writer is nil.
func NewProgressBar(writer io.Writer) *ProgressBar {
	if writer == nil {
		writer = os.Stdout
	}
	if disableProgress.Load() {
		writer = io.Discard
	}

	return &ProgressBar{
		mpb:  mpbv8.New(mpbv8.WithWidth(60), mpbv8.WithOutput(writer)),
		bars: make(map[string]*progressBar),
	}
}

// Add adds a bar counting total steps. Adding an existing name is a no-op.
func (p *ProgressBar) Add(prompt, name string, total int64) {
	p.mu.RLock()
	oldBar := p.bars[name]
	p.mu.RUnlock()

	if oldBar != nil {
		return
	}

	bar := p.mpb.New(total,
		mpbv8.BarStyle(),
		mpbv8.BarFillerOnComplete("|"),
		mpbv8.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				p.mu.RLock()
				defer p.mu.RUnlock()

				bar, ok := p.bars[name]
				if ok && bar.msg != "" {
					return bar.msg
				}

				return fmt.Sprintf("%s %s", prompt, name)
			}, decor.WCSyncSpaceR),
		),
		mpbv8.AppendDecorators(
			decor.OnComplete(decor.CountersNoUnit("%d / %d", decor.WCSyncWidthR), "done"),
			decor.OnComplete(decor.Name(" | ", decor.WCSyncWidthR), " | "),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncWidthR),
		),
	)

	p.mu.Lock()
	p.bars[name] = &progressBar{Bar: bar, total: total}
	p.mu.Unlock()
}

// Increment advances the named bar by one step.
func (p *ProgressBar) Increment(name string) {
	p.mu.RLock()
	bar, ok := p.bars[name]
	p.mu.RUnlock()

	if ok {
		bar.Increment()
	}
}

// Complete completes the progress bar.
func (p *ProgressBar) Complete(name string, msg string) {
	if bar := p.setMessage(name, msg); bar != nil {
		bar.SetCurrent(bar.total)
	}
}

// Abort stops the named bar where it is, keeping its last frame.
func (p *ProgressBar) Abort(name string, msg string) {
	if bar := p.setMessage(name, msg); bar != nil {
		bar.Bar.Abort(false)
	}
}

// setMessage replaces the prompt of the named bar. The lock is released
// before the bar is driven because its decorators take the read lock.
func (p *ProgressBar) setMessage(name, msg string) *progressBar {
	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[name]
	if !ok {
		return nil
	}
	bar.msg = msg
	return bar
}

// Stop waits for the progress bar to finish. Only the first call has an
// effect.
func (p *ProgressBar) Stop() {
	p.stop.Do(p.mpb.Shutdown)
}
