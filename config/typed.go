package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ServerConfig describes one storage peer under a "<server>" config
// group (§6): the AE title this printer identifies itself as while
// storing to the peer, and the peer's own address/AE title/PDU size.
type ServerConfig struct {
	AETitle      string `validate:"required"`
	Address      string `validate:"required,hostname|ip"`
	Timeout      int
	StorePort    int    `validate:"required,min=1,max=65535"`
	StorePDUSize int    `validate:"required,min=1"`
	StoreAETitle string `validate:"required"`
}

// PrinterConfig describes one accepted Called AE Title under a
// "<printer>" config group: proxy target, UID override flags. AETitle
// is left blank when unconfigured — §6 defaults it to the calling AE
// title, which is only known once an association negotiates, so the
// printscp package resolves that default itself rather than baking a
// static one in here.
type PrinterConfig struct {
	AETitle           string
	UpstreamAETitle   string
	UpstreamAddress   string
	PrintPort         int
	PDUSize           int  `validate:"required,min=1"`
	ForceUniqueSeries bool
	ForceUniqueStudy  bool
}

// EnrichConfig describes the "query.*" keys (§4.4, §6) that drive the
// HTTP enrichment call. It is resolved once per printer, with printer
// values falling back to root (the View's own fallback semantics
// handle that transparently).
type EnrichConfig struct {
	URL             string
	Username        string
	Password        string
	ContentType     string
	Timeout         int
	QueryParameters []string
	IgnoreErrors    []string
}

// RootConfig describes the top-level, non-group-scoped keys (§6).
type RootConfig struct {
	Port                 int
	Timeout              int
	BlockMode            string
	LogLevel             string
	OCRLang              string
	BadSymbols           string
	SpoolPath            string
	SpoolIntervalSeconds int
	NextSpoolTS          string
	StorageServers       []string
}

var validate = validator.New()

// DecodeServerConfig reads and validates a ServerConfig from the group
// a View is scoped to.
func DecodeServerConfig(v *View) (*ServerConfig, error) {
	cfg := &ServerConfig{
		AETitle:      v.Get("aetitle", ""),
		Address:      v.Get("address", ""),
		Timeout:      v.GetInt("timeout", 30),
		StorePort:    v.GetInt("store-port", 104),
		StorePDUSize: v.GetInt("store-pdu-size", 16384),
		StoreAETitle: v.Get("store-aetitle", ""),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid server config: %w", err)
	}
	return cfg, nil
}

// DecodePrinterConfig reads the printer config group. AETitle, if
// blank, must be defaulted by the caller to the negotiated calling AE
// title (§6: "<printer>.aetitle ... default: calling AE").
func DecodePrinterConfig(v *View) (*PrinterConfig, error) {
	cfg := &PrinterConfig{
		AETitle:           v.Get("aetitle", ""),
		UpstreamAETitle:   v.Get("upstream-aetitle", ""),
		UpstreamAddress:   v.Get("upstream-address", ""),
		PrintPort:         v.GetInt("print-port", 0),
		PDUSize:           v.GetInt("pdu-size", 16384),
		ForceUniqueSeries: v.GetBool("force-unique-series", false),
		ForceUniqueStudy:  v.GetBool("force-unique-study", false),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid printer config: %w", err)
	}
	return cfg, nil
}

// defaultQueryParameters returns the built-in "param:DICOMTag" mappings
// a content type gets when "query.query-parameters" is unset: every
// enrichment request carries the study UID and a service date, named
// to match that format's own case convention.
func defaultQueryParameters(contentType string) []string {
	if strings.Contains(strings.ToLower(contentType), "/json") {
		return []string{"studyInstanceUID:StudyInstanceUID", "medicalServiceDate:InstanceCreationDate"}
	}
	return []string{"study-instance-uid:StudyInstanceUID", "medical-service-date:InstanceCreationDate"}
}

// DecodeEnrichConfig reads the "query.*" keys relative to v (a printer
// view falls back to root automatically via View.Get/GetStrings).
func DecodeEnrichConfig(v *View) *EnrichConfig {
	contentType := v.Get("query.content-type", "application/xml")
	cfg := &EnrichConfig{
		URL:             v.Get("query.url", ""),
		Username:        v.Get("query.username", ""),
		Password:        v.Get("query.password", ""),
		ContentType:     contentType,
		Timeout:         v.GetInt("timeout", 30),
		QueryParameters: v.GetStrings("query.query-parameters"),
		IgnoreErrors:    v.GetStrings("query.ignore-errors"),
	}
	if len(cfg.QueryParameters) == 0 {
		cfg.QueryParameters = defaultQueryParameters(contentType)
	}
	return cfg
}

// DecodeRootConfig reads the top-level daemon settings from the root
// view.
func DecodeRootConfig(v *View) *RootConfig {
	return &RootConfig{
		Port:                 v.GetInt("port", 10005),
		Timeout:              v.GetInt("timeout", 30),
		BlockMode:            v.Get("block-mode", "blocking"),
		LogLevel:             v.Get("log-level", ""),
		OCRLang:              v.Get("ocr-lang", "eng"),
		BadSymbols:           v.Get("bad-symbols", ""),
		SpoolPath:            v.Get("spool-path", ""),
		SpoolIntervalSeconds: v.GetInt("spool-interval-in-seconds", 600),
		NextSpoolTS:          v.Get("next-spool-ts", ""),
		StorageServers:       v.GetStrings("storage-servers"),
	}
}

// TagRule describes one "tag[]" OCR mapping entry (§4.5, §6): key,
// rect, pattern, value, query-parameter.
type TagRule struct {
	Key            string
	Rect           string
	Pattern        string
	Value          string
	QueryParameter string
}

// InfoEntry describes one "info[]" printer N-GET entry (§4.6.3, §6).
type InfoEntry struct {
	Key   string
	Value string
}

// ReadTagRules reads every item of the "tag[]" array under v.
func ReadTagRules(v *View) []TagRule {
	arr, count := v.BeginReadArray("tag")
	rules := make([]TagRule, 0, count)
	for i := 0; i < count; i++ {
		arr.SetArrayIndex(i)
		rules = append(rules, TagRule{
			Key:            arr.Get("key", ""),
			Rect:           arr.Get("rect", ""),
			Pattern:        arr.Get("pattern", ""),
			Value:          arr.Get("value", ""),
			QueryParameter: arr.Get("query-parameter", ""),
		})
	}
	return rules
}

// ReadInfoEntries reads every item of the "info[]" array under v.
func ReadInfoEntries(v *View) []InfoEntry {
	arr, count := v.BeginReadArray("info")
	entries := make([]InfoEntry, 0, count)
	for i := 0; i < count; i++ {
		arr.SetArrayIndex(i)
		entries = append(entries, InfoEntry{
			Key:   arr.Get("key", ""),
			Value: arr.Get("value", ""),
		})
	}
	return entries
}
