package enrich

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// field is one tag/value pair extracted from an enrichment response,
// keyed by the DICOM dictionary name the server used.
type field struct {
	Tag   string
	Value string
}

// parseResult is what a response decodes to: either a set of fields to
// merge (the success shape, §4.4 step 7) or an error signal carrying an
// optional message (the "business-logic-error" / JSON error shape).
type parseResult struct {
	fields  []field
	isError bool
	message string
}

// encodeRequest builds the request body the configured content type
// expects: an XML document rooted at save-hardcopy-grayscale-image-request,
// or a flat JSON object, one child/member per query parameter (§4.4
// step 5).
func encodeRequest(contentType string, params map[string]string) ([]byte, error) {
	lower := strings.ToLower(contentType)
	switch {
	case strings.Contains(lower, "/json"):
		return json.Marshal(params)
	case strings.Contains(lower, "/xml"):
		return encodeXMLRequest("save-hardcopy-grayscale-image-request", params), nil
	default:
		return nil, fmt.Errorf("enrich: unsupported content type %q", contentType)
	}
}

func encodeXMLRequest(root string, params map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprintf(&buf, "<%s>", root)
	for name, value := range params {
		if !isValidXMLName(name) {
			continue
		}
		fmt.Fprintf(&buf, "<%s>", name)
		xml.EscapeText(&buf, []byte(value))
		fmt.Fprintf(&buf, "</%s>", name)
	}
	fmt.Fprintf(&buf, "</%s>", root)
	return buf.Bytes()
}

func isValidXMLName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigitOrDash := (r >= '0' && r <= '9') || r == '-' || r == '.'
		if i == 0 && !isLetter {
			return false
		}
		if i > 0 && !isLetter && !isDigitOrDash {
			return false
		}
	}
	return true
}

// parseResponse decodes a response body according to its content type
// (§4.4 step 7).
func parseResponse(contentType string, body []byte) (parseResult, error) {
	lower := strings.ToLower(contentType)
	switch {
	case strings.Contains(lower, "/json"):
		return parseJSONResponse(body)
	case strings.Contains(lower, "/xml"):
		return parseXMLResponse(body)
	default:
		return parseResult{}, fmt.Errorf("enrich: unsupported response content type %q", contentType)
	}
}

// jsonField is the success shape: an array of {"tag": ..., "value": ...}.
type jsonField struct {
	Tag   string `json:"tag"`
	Value any    `json:"value"`
}

func parseJSONResponse(body []byte) (parseResult, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var items []jsonField
		if err := json.Unmarshal(body, &items); err != nil {
			return parseResult{}, err
		}
		res := parseResult{fields: make([]field, 0, len(items))}
		for _, it := range items {
			res.fields = append(res.fields, field{Tag: it.Tag, Value: fmt.Sprintf("%v", it.Value)})
		}
		return res, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return parseResult{}, err
	}
	res := parseResult{isError: true}
	if msg, ok := obj["message"]; ok {
		res.message = fmt.Sprintf("%v", msg)
	}
	return res, nil
}

// xmlNode is a generic XML tree used to walk an unknown-shaped
// response without a fixed struct per element name.
type xmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content []byte     `xml:",innerxml"`
	Nodes   []xmlNode  `xml:",any"`
}

func parseXMLResponse(body []byte) (parseResult, error) {
	var root xmlNode
	if err := xml.Unmarshal(body, &root); err != nil {
		return parseResult{}, err
	}
	var res parseResult
	walkXMLNode(root, &res, false)
	return res, nil
}

// walkXMLNode mirrors the original reader: "element" nodes carrying a
// "tag" attribute become fields keyed by that attribute; "data-set" and
// "business-logic-error" are transparent containers (the latter also
// flags the response as an error); any other leaf element becomes a
// field keyed by its own name, and a "message" leaf inside the error
// container is captured separately.
func walkXMLNode(n xmlNode, res *parseResult, inErrorContainer bool) {
	switch n.XMLName.Local {
	case "data-set":
		for _, c := range n.Nodes {
			walkXMLNode(c, res, inErrorContainer)
		}
		return
	case "business-logic-error":
		res.isError = true
		for _, c := range n.Nodes {
			walkXMLNode(c, res, true)
		}
		return
	case "element":
		tag := attrValue(n.Attrs, "tag")
		if tag != "" {
			res.fields = append(res.fields, field{Tag: tag, Value: strings.TrimSpace(string(n.Content))})
		}
		return
	}

	if len(n.Nodes) > 0 {
		for _, c := range n.Nodes {
			walkXMLNode(c, res, inErrorContainer)
		}
		return
	}

	text := strings.TrimSpace(string(n.Content))
	if text == "" {
		return
	}
	if inErrorContainer && n.XMLName.Local == "message" {
		res.message = text
		return
	}
	res.fields = append(res.fields, field{Tag: n.XMLName.Local, Value: text})
}

func attrValue(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
