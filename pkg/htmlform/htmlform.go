// Package htmlform pulls hidden inputs, form actions and inline settings out
// of the HTML pages returned by the ESB login flow.
package htmlform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrFieldNotFound is returned when a requested field, form or settings
// block is absent from the document.
var ErrFieldNotFound = errors.New("field not found")

// Extractor is the lookup surface the login flow depends on.
type Extractor interface {
	// Form returns a form and its named inputs by id.
	Form(id string) (Form, error)
	// Setting returns a string from the page's inline SETTINGS object.
	Setting(key string) (string, error)
	Contains(marker string) bool
}

// Form is a parsed <form> element.
type Form struct {
	Action string
	Method string
	Fields map[string]string
}

// Document is a parsed HTML page.
type Document struct {
	raw string
	doc *goquery.Document

	settings    map[string]any
	settingsErr error
}

var _ Extractor = (*Document)(nil)

// Parse parses html. Malformed markup is tolerated the same way browsers do.
func Parse(html string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return &Document{raw: html, doc: doc}, nil
}

// Form returns the form with the given id along with all of its named inputs.
func (d *Document) Form(id string) (Form, error) {
	sel := d.doc.Find("form").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.AttrOr("id", "") == id
	}).First()
	if sel.Length() == 0 {
		return Form{}, fmt.Errorf("%w: form %q (forms on page: %v)", ErrFieldNotFound, id, d.FormIDs())
	}
	f := Form{
		Action: sel.AttrOr("action", ""),
		Method: strings.ToUpper(sel.AttrOr("method", "GET")),
		Fields: make(map[string]string),
	}
	sel.Find("input").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		f.Fields[name] = s.AttrOr("value", "")
	})
	return f, nil
}

// FormIDs lists the ids of every form on the page.
func (d *Document) FormIDs() []string {
	var ids []string
	d.doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		if id := s.AttrOr("id", ""); id != "" {
			ids = append(ids, id)
		}
	})
	return ids
}

// Contains reports whether marker appears anywhere in the raw document.
func (d *Document) Contains(marker string) bool {
	return marker != "" && strings.Contains(d.raw, marker)
}

// Setting returns a non-empty string from the inline SETTINGS object. The
// object is decoded once per document.
func (d *Document) Setting(key string) (string, error) {
	if d.settings == nil && d.settingsErr == nil {
		d.settings, d.settingsErr = ExtractSettings(d.raw)
	}
	if d.settingsErr != nil {
		return "", d.settingsErr
	}
	return SettingString(d.settings, key)
}

const settingsPrefix = "var SETTINGS = "

// ExtractSettings decodes the inline `var SETTINGS = {...};` object that B2C
// pages embed in a script tag.
func ExtractSettings(html string) (map[string]any, error) {
	idx := strings.Index(html, settingsPrefix)
	if idx < 0 {
		return nil, fmt.Errorf("%w: SETTINGS", ErrFieldNotFound)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(html[idx+len(settingsPrefix):])))
	var settings map[string]any
	if err := dec.Decode(&settings); err != nil {
		return nil, fmt.Errorf("%w: SETTINGS is not valid json: %v", ErrFieldNotFound, err)
	}
	return settings, nil
}

// SettingString returns a string value from extracted settings.
func SettingString(settings map[string]any, key string) (string, error) {
	v, ok := settings[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: SETTINGS.%s", ErrFieldNotFound, key)
	}
	return v, nil
}
