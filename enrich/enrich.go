// Package enrich implements component C4: querying an HTTP application
// server for patient/study fields to merge into a print session's
// dataset before it is stored, and encoding/decoding the XML or JSON
// wire formats that call uses (§4.4, §6 "query.*").
package enrich

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/ocr"
	"github.com/softus/vdprintd/transliterate"
)

const defaultCharset = "UTF-8"

// Client issues enrichment queries. A single Client is shared across
// every session; it carries nothing but the HTTP transport.
type Client struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New builds a Client with a bare http.Client; callers needing a custom
// transport or proxy behavior can set HTTPClient directly afterwards.
func New() *Client {
	return &Client{HTTPClient: &http.Client{}}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Query implements §4.4 steps 1-9. It runs tagger (if non-nil) over
// rules to extract OCR tag/parameter values (step 3), binds
// cfg.QueryParameters tags out of dataset (step 4), POSTs the encoded
// request (steps 5-6), and merges the parsed response back into
// dataset (steps 7-9). It returns true unless the call failed and no
// ignore-errors substring matched, matching the boolean "did the
// session still count as enriched" signal §4.4 and §4.8 use to decide
// whether to store or spool.
func (c *Client) Query(ctx context.Context, cfg *config.EnrichConfig, rules []config.TagRule, tagger *ocr.Tagger, dataset *dicom.Dataset) bool {
	if cfg.URL == "" {
		return true
	}

	queryParams := map[string]string{}
	if tagger != nil {
		tagger.Apply(rules, dataset, queryParams)
	}
	bindQueryParameterTags(cfg.QueryParameters, dataset, queryParams, c.logger())

	body, err := encodeRequest(cfg.ContentType, queryParams)
	if err != nil {
		c.logger().Warn("enrich: unsupported request content type", "content-type", cfg.ContentType)
		return c.finish(dataset, true, nil)
	}

	respContentType, respBody, reqErr := c.post(ctx, cfg, body)
	failed := reqErr != nil

	var parsed parseResult
	if respBody != nil {
		var parseErr error
		parsed, parseErr = parseResponse(respContentType, respBody)
		if parseErr != nil {
			c.logger().Warn("enrich: response content type not supported", "content-type", respContentType)
			failed = true
		} else if parsed.isError {
			failed = true
		}
	}

	if failed && ignoreErrorMatches(cfg.IgnoreErrors, parsed.message, string(respBody)) {
		c.logger().Debug("enrich: error suppressed by ignore-errors match")
		failed = false
	}

	return c.finish(dataset, failed, parsed.fields)
}

// finish applies the PatientID/PatientName defaults and, on success,
// merges fields into dataset (§4.4 step 9). Returns !failed.
func (c *Client) finish(dataset *dicom.Dataset, failed bool, fields []field) bool {
	setPatientDefault(dataset, failed)

	if !failed {
		for _, f := range fields {
			applyField(dataset, f, c.logger())
		}
	}
	return !failed
}

var (
	patientIDTag   = dicom.Tag{Group: 0x0010, Element: 0x0020}
	patientNameTag = dicom.Tag{Group: 0x0010, Element: 0x0010}
)

// setPatientDefault forces PatientID/PatientName to their safe
// placeholders on error; on success it only fills them in when absent,
// leaving any value OCR or the session already supplied alone.
func setPatientDefault(dataset *dicom.Dataset, force bool) {
	if force || dataset.GetString(patientIDTag) == "" {
		dataset.AddElement(patientIDTag, dicom.VR_LO, "0")
	}
	if force || dataset.GetString(patientNameTag) == "" {
		dataset.AddElement(patientNameTag, dicom.VR_PN, "^")
	}
}

// bindQueryParameterTags resolves each "param:DICOMTag" mapping against
// dataset and stores the string value (possibly empty) under its param
// name, overriding anything the OCR tagger already put there (§4.4
// step 4: the extra tag-bound parameters are collected after the OCR
// pass, same as the original's insertTags-then-extraParams order).
func bindQueryParameterTags(mappings []string, dataset *dicom.Dataset, params map[string]string, logger *slog.Logger) {
	for _, mapping := range mappings {
		param, tagName, ok := splitMapping(mapping)
		if !ok {
			continue
		}

		value := ""
		if tag, ok := dicom.TagByName(tagName); ok {
			value = dataset.GetString(tag)
		} else {
			logger.Debug("enrich: unknown DICOM tag in query-parameters", "tag", tagName)
		}
		params[param] = value
	}
}

// splitMapping splits a "param:Tag" or "param=Tag" entry, matching the
// original's acceptance of either separator.
func splitMapping(s string) (param, tag string, ok bool) {
	idx := strings.IndexAny(s, ":=")
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

func (c *Client) post(ctx context.Context, cfg *config.EnrichConfig, body []byte) (contentType string, respBody []byte, err error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}

	reqContentType := cfg.ContentType
	if !strings.Contains(strings.ToLower(reqContentType), "charset=") {
		reqContentType = reqContentType + "; charset=" + defaultCharset
	}
	req.Header.Set("Accept", "*")
	req.Header.Set("Content-Type", reqContentType)
	if cfg.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		req.Header.Set("Authorization", "Basic "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("enrich: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header.Get("Content-Type"), nil, fmt.Errorf("enrich: reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return resp.Header.Get("Content-Type"), data, fmt.Errorf("enrich: server returned status %d", resp.StatusCode)
	}
	return resp.Header.Get("Content-Type"), data, nil
}

// ignoreErrorMatches reports whether any configured ignore-errors
// substring is found in message (preferred, from a parsed "message"
// field) or, failing that, the raw response body (§4.4 step 8).
func ignoreErrorMatches(ignoreErrors []string, message, rawBody string) bool {
	haystack := message
	if haystack == "" {
		haystack = rawBody
	}
	for _, substr := range ignoreErrors {
		if substr != "" && strings.Contains(haystack, substr) {
			return true
		}
	}
	return false
}

// applyField writes one parsed response field into dataset, resolving
// its tag by name, reformatting/validating date-time VRs, and
// transliterating string VRs (§4.4 step 9). Unknown tags and malformed
// numeric values are logged and skipped rather than aborting the rest
// of the merge.
func applyField(dataset *dicom.Dataset, f field, logger *slog.Logger) {
	tag, ok := dicom.TagByName(f.Tag)
	if !ok {
		logger.Debug("enrich: unknown DICOM tag in response", "tag", f.Tag)
		return
	}

	vr := dicom.VRForTag(tag)
	switch {
	case vr == dicom.VR_DA || vr == dicom.VR_TM || vr == dicom.VR_DT:
		if formatted, ok := formatDateTime(vr, f.Value); ok {
			dataset.AddElement(tag, vr, formatted)
		} else {
			logger.Debug("enrich: unparseable date/time value for tag", "tag", f.Tag, "value", f.Value)
		}
	case isNumericVR(vr):
		if n, ok := parseNumeric(vr, f.Value); ok {
			dataset.AddElement(tag, vr, n)
		} else {
			logger.Debug("enrich: non-numeric value for numeric tag", "tag", f.Tag, "value", f.Value)
		}
	case isStringVR(vr):
		dataset.AddElement(tag, vr, transliterate.ToCyrillic(f.Value))
	default:
		dataset.AddElement(tag, vr, f.Value)
	}
}

// formatDateTime converts an enrichment response value into its DICOM
// string form (§4.4 step 9). A value already shaped like the target DICOM
// format (8/6/14 plain digits) is passed through unchanged; otherwise it is
// parsed as the source system's separator-formatted yyyy-MM-dd / HH:mm:ss
// representation and re-emitted as yyyyMMdd / HHmmss / yyyyMMddHHmmss.
func formatDateTime(vr, value string) (string, bool) {
	switch vr {
	case dicom.VR_DA:
		if len(value) == 8 && isDigits(value) {
			return value, true
		}
		if t, err := time.Parse("2006-01-02", value); err == nil {
			return t.Format("20060102"), true
		}
	case dicom.VR_TM:
		if len(value) == 6 && isDigits(value) {
			return value, true
		}
		if t, err := time.Parse("15:04:05", value); err == nil {
			return t.Format("150405"), true
		}
	case dicom.VR_DT:
		if len(value) == 14 && isDigits(value) {
			return value, true
		}
		if t, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
			return t.Format("20060102150405"), true
		}
	}
	return "", false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isNumericVR(vr string) bool {
	switch vr {
	case dicom.VR_US, dicom.VR_UL, dicom.VR_SS, dicom.VR_SL, dicom.VR_FL, dicom.VR_FD:
		return true
	}
	return false
}

func isStringVR(vr string) bool {
	switch vr {
	case dicom.VR_PN, dicom.VR_LO, dicom.VR_SH, dicom.VR_ST, dicom.VR_LT, dicom.VR_CS:
		return true
	}
	return false
}

func parseNumeric(vr, s string) (interface{}, bool) {
	switch vr {
	case dicom.VR_US:
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return nil, false
		}
		return uint16(n), true
	case dicom.VR_UL:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, false
		}
		return uint32(n), true
	case dicom.VR_SS:
		n, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return nil, false
		}
		return int16(n), true
	case dicom.VR_SL:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, false
		}
		return int32(n), true
	case dicom.VR_FL:
		n, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, false
		}
		return float32(n), true
	case dicom.VR_FD:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	}
	return nil, false
}
