package enrich

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
)

func TestQueryEmptyURLShortCircuits(t *testing.T) {
	c := New()
	ds := dicom.NewDataset()
	ok := c.Query(context.Background(), &config.EnrichConfig{}, nil, nil, ds)
	if !ok {
		t.Fatal("expected success for an unconfigured query URL")
	}
	if got := ds.GetString(patientIDTag); got != "" {
		t.Errorf("PatientID = %q, want untouched", got)
	}
}

func TestQueryJSONSuccessMergesAndTransliterates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"tag":"PatientID","value":"42"},{"tag":"PatientName","value":"IVANOV"}]`))
	}))
	defer srv.Close()

	c := New()
	ds := dicom.NewDataset()
	cfg := &config.EnrichConfig{URL: srv.URL, ContentType: "application/json", Timeout: 5}

	if ok := c.Query(context.Background(), cfg, nil, nil, ds); !ok {
		t.Fatal("expected enrichment success")
	}
	if got := ds.GetString(patientIDTag); got != "42" {
		t.Errorf("PatientID = %q, want %q", got, "42")
	}
	if got := ds.GetString(patientNameTag); got != "ИВАНОВ" {
		t.Errorf("PatientName = %q, want Cyrillic transliteration %q", got, "ИВАНОВ")
	}
}

func TestQueryConnectionRefusedForcesSafeDefaults(t *testing.T) {
	c := New()
	ds := dicom.NewDataset()
	cfg := &config.EnrichConfig{URL: "http://127.0.0.1:1/", ContentType: "application/xml", Timeout: 1}

	if ok := c.Query(context.Background(), cfg, nil, nil, ds); ok {
		t.Fatal("expected enrichment failure for a refused connection")
	}
	if got := ds.GetString(patientIDTag); got != "0" {
		t.Errorf("PatientID = %q, want %q", got, "0")
	}
	if got := ds.GetString(patientNameTag); got != "^" {
		t.Errorf("PatientName = %q, want %q", got, "^")
	}
}

func TestQueryIgnoreErrorsDemotesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`<response><business-logic-error><message>duplicate accession, ignore me</message></business-logic-error></response>`))
	}))
	defer srv.Close()

	c := New()
	ds := dicom.NewDataset()
	// A PatientID is already present, so forcing the error default and
	// filling an absent value on success give different results.
	ds.AddElement(patientIDTag, dicom.VR_LO, "77")
	cfg := &config.EnrichConfig{
		URL:          srv.URL,
		ContentType:  "application/xml",
		Timeout:      5,
		IgnoreErrors: []string{"ignore me"},
	}

	if ok := c.Query(context.Background(), cfg, nil, nil, ds); !ok {
		t.Fatal("expected ignore-errors to demote the failure to success")
	}
	if got := ds.GetString(patientIDTag); got == "0" {
		t.Errorf("PatientID forced to error default %q despite suppressed error", got)
	}
}

func TestQueryBindsConfiguredQueryParameterTags(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<response><data-set></data-set></response>`))
	}))
	defer srv.Close()

	c := New()
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI, "1.2.3.4")

	cfg := &config.EnrichConfig{
		URL:             srv.URL,
		ContentType:     "application/xml",
		Timeout:         5,
		QueryParameters: []string{"study-instance-uid:StudyInstanceUID"},
	}

	if ok := c.Query(context.Background(), cfg, nil, nil, ds); !ok {
		t.Fatal("expected success")
	}
	if want := "<study-instance-uid>1.2.3.4</study-instance-uid>"; !strings.Contains(gotBody, want) {
		t.Errorf("request body %q does not contain %q", gotBody, want)
	}
}
