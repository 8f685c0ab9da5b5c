package ocr

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
)

// Tagger runs a session's tag[] rules (§4.5, §6 "<printer>.tag[]")
// against a bitmap via Engine, writing results into a dataset and a
// query-parameter accumulator for the enrichment client (C4) to
// consume.
type Tagger struct {
	engine     Engine
	bitmapW    int
	bitmapH    int
	badSymbols *regexp.Regexp

	haveRegion bool
	lastRect   Rect
	lastText   string
}

// NewTagger builds a Tagger bound to engine. badSymbols is the
// "bad-symbols" config regex (root/printer scope, §6); an empty
// pattern disables the extra stripping.
func NewTagger(engine Engine, bitmapW, bitmapH int, badSymbols string) *Tagger {
	t := &Tagger{engine: engine, bitmapW: bitmapW, bitmapH: bitmapH}
	if badSymbols != "" {
		if re, err := regexp.Compile(badSymbols); err == nil {
			t.badSymbols = re
		}
	}
	return t
}

// Apply runs every rule in order against dataset and params, per §4.5.
// A rule whose rect string fails to parse is neither skipped nor
// logged: like a rule with a blank rect, it uses the previously
// recognized text, so one bad rect never aborts the whole batch.
func (t *Tagger) Apply(rules []config.TagRule, dataset *dicom.Dataset, params map[string]string) {
	for _, rule := range rules {
		text := t.textFor(rule.Rect)

		value := rule.Value
		if rule.Pattern != "" {
			if re, err := regexp.Compile(rule.Pattern); err == nil {
				if m := re.FindStringSubmatch(text); len(m) >= 2 {
					value = m[1]
				}
			}
		}

		if rule.Key != "" {
			if tag, ok := dicom.TagByName(rule.Key); ok {
				dataset.AddElement(tag, dicom.VRForTag(tag), value)
			}
		}
		if rule.QueryParameter != "" {
			params[rule.QueryParameter] = value
		}
	}
}

// textFor returns the OCR text for rectSpec, reusing the cached result
// when rectSpec is blank or equal to the previously recognized rect
// (§4.5: "run recognition ... cache the result for subsequent entries
// sharing that rect").
func (t *Tagger) textFor(rectSpec string) string {
	if rectSpec == "" {
		return t.lastText
	}

	rect, err := ParseRect(rectSpec, t.bitmapW, t.bitmapH)
	if err != nil {
		return t.lastText
	}
	if t.haveRegion && rect == t.lastRect {
		return t.lastText
	}

	t.engine.SetRegion(rect)
	raw, err := t.engine.Recognize()
	if err != nil {
		raw = ""
	}

	t.lastText = t.clean(raw)
	t.lastRect = rect
	t.haveRegion = true
	return t.lastText
}

// clean strips non-printable characters and trailing whitespace
// (§4.5), then the operator-configured bad-symbols regex if any.
func (t *Tagger) clean(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsPrint(r) {
			sb.WriteRune(r)
		}
	}
	out := strings.TrimRight(sb.String(), " \t\r\n")
	if t.badSymbols != nil {
		out = t.badSymbols.ReplaceAllString(out, "")
	}
	return out
}
