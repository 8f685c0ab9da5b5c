// Package ocr implements component C5: extracting strings from regions
// of a rendered film bitmap and mapping them onto DICOM tags and HTTP
// query parameters. Actual character recognition is out of scope per
// spec §1 ("OCR of rendered bitmaps" is listed as an external
// collaborator); Engine is the seam a real recognizer plugs into, and
// this package ships one deterministic stand-in so the tagging logic
// around it is fully exercised without a cgo dependency.
package ocr

import (
	"os"
	"sync"
)

// Rect is a region of a rendered bitmap, in pixels.
type Rect struct {
	X, Y, W, H int
}

// Engine recognizes text within a bitmap region. SetRegion and
// Recognize are separate calls because §4.5 only re-runs recognition
// when a tag[] rule's rect differs from the previous one, reusing the
// cached text when consecutive rules share a rect; a combined
// "recognize(rect)" call couldn't express that.
type Engine interface {
	SetRegion(rect Rect)
	Recognize() (string, error)
}

// localeMu serializes the locale trampoline below: the numeric locale
// is process-global state, so two sessions initializing an engine at
// the same time must not stomp on each other's restore.
var localeMu sync.Mutex

// WithCLocale runs fn with the process numeric locale forced to "C"
// and restores whatever it was before, even if fn panics. This is a
// quirk of the underlying OCR engine the original implementation wraps
// every initialization in: it is sensitive to the decimal separator
// the active locale uses, and a non-"C" locale (comma-separated
// decimals) corrupts its internal tables. It has no semantic meaning
// in this design beyond preserving that behavior for a real engine
// binding (see §9 "OCR locale trampoline").
func WithCLocale(fn func()) {
	localeMu.Lock()
	defer localeMu.Unlock()

	prev, had := os.LookupEnv("LC_NUMERIC")
	os.Setenv("LC_NUMERIC", "C")
	defer func() {
		if had {
			os.Setenv("LC_NUMERIC", prev)
		} else {
			os.Unsetenv("LC_NUMERIC")
		}
	}()

	fn()
}

// StubEngine is the in-repo stand-in Engine: it never actually
// recognizes anything (there is no rendered bitmap without a real
// rasterizer, also out of scope), but it exercises the same call
// sequence and locale trampoline a real binding would.
type StubEngine struct {
	lang   string
	region Rect
}

// NewEngine constructs the configured OCR engine for lang, which a
// PrintSession calls once, reusing the instance across every tag[]
// rule in that session (§4.5: "initialized once per PrintSession").
func NewEngine(lang string) *StubEngine {
	var e *StubEngine
	WithCLocale(func() {
		e = &StubEngine{lang: lang}
	})
	return e
}

// Language returns the language pack this engine was initialized with.
func (e *StubEngine) Language() string { return e.lang }

// SetRegion sets the region the next Recognize call reads from.
func (e *StubEngine) SetRegion(rect Rect) { e.region = rect }

// Recognize returns the text found in the current region. The stand-in
// always returns empty text: lacking a real rasterizer to feed it
// pixels, every tag[] rule falls through to its configured default
// value, which is the documented behavior when OCR finds nothing.
func (e *StubEngine) Recognize() (string, error) {
	return "", nil
}
