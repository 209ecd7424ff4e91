// Package page finds the forms of an HTML document and the upload controls marked with the
// data-segmented-upload-endpoint attribute.
package page

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// EndpointAttribute marks an element as an upload control. Its value is the segmented upload endpoint.
const EndpointAttribute = "data-segmented-upload-endpoint"

// Control is an upload control found in a form.
type Control struct {
	// Endpoint is the absolute URL of the segmented upload endpoint.
	Endpoint string
	// FieldName is the name of the form field receiving the materialization token.
	FieldName string
	Required  bool
}

// Form is a form of the document.
type Form struct {
	// Action is the absolute URL the form submits to.
	Action string
	// Method is GET or POST.
	Method string
	// Values holds the initial values of the form's regular fields. Upload controls are not included.
	Values   url.Values
	Controls []Control
}

// Control returns the control with the given field name.
func (f *Form) Control(fieldName string) (Control, bool) {
	for _, c := range f.Controls {
		if c.FieldName == fieldName {
			return c, true
		}
	}
	return Control{}, false
}

// Document is a parsed page.
type Document struct {
	URL   *url.URL
	Forms []*Form
}

// UploadForms returns the forms holding at least one upload control.
func (d *Document) UploadForms() []*Form {
	var forms []*Form
	for _, f := range d.Forms {
		if len(f.Controls) > 0 {
			forms = append(forms, f)
		}
	}
	return forms
}

// Parse reads the HTML document r served from base. Relative actions and endpoints are resolved against base.
func Parse(r io.Reader, base *url.URL) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc := &Document{URL: base}
	for _, n := range elements(root, "form") {
		form, err := parseForm(n, base)
		if err != nil {
			return nil, err
		}
		doc.Forms = append(doc.Forms, form)
	}

	return doc, nil
}

func parseForm(n *html.Node, base *url.URL) (*Form, error) {
	action, err := resolve(base, attr(n, "action"))
	if err != nil {
		return nil, fmt.Errorf("form action: %w", err)
	}

	method := strings.ToUpper(attr(n, "method"))
	if method != http.MethodPost {
		method = http.MethodGet
	}

	form := &Form{
		Action: action,
		Method: method,
		Values: url.Values{},
	}

	var walk func(*html.Node) error
	walk = func(n *html.Node) error {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if hasAttr(c, EndpointAttribute) {
				control, err := parseControl(c, base)
				if err != nil {
					return err
				}
				form.Controls = append(form.Controls, control)
				continue
			}
			addValue(form.Values, c)
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(n); err != nil {
		return nil, err
	}

	return form, nil
}

func parseControl(n *html.Node, base *url.URL) (Control, error) {
	name := attr(n, "name")
	if name == "" {
		return Control{}, fmt.Errorf("upload control without a name")
	}
	raw := strings.TrimSpace(attr(n, EndpointAttribute))
	if raw == "" {
		return Control{}, fmt.Errorf("upload control %s: empty endpoint", name)
	}
	endpoint, err := resolve(base, raw)
	if err != nil {
		return Control{}, fmt.Errorf("upload control %s: %w", name, err)
	}

	return Control{
		Endpoint:  endpoint,
		FieldName: name,
		Required:  hasAttr(n, "required"),
	}, nil
}

// addValue records the value a browser would submit for n.
func addValue(values url.Values, n *html.Node) {
	name := attr(n, "name")
	if name == "" || hasAttr(n, "disabled") {
		return
	}

	switch n.Data {
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "file", "submit", "button", "image", "reset":
			return
		case "checkbox", "radio":
			if !hasAttr(n, "checked") {
				return
			}
			value := attr(n, "value")
			if !hasAttr(n, "value") {
				value = "on"
			}
			values.Add(name, value)
		default:
			values.Add(name, attr(n, "value"))
		}
	case "textarea":
		values.Add(name, text(n))
	case "select":
		var first, selected *html.Node
		for _, o := range elements(n, "option") {
			if first == nil {
				first = o
			}
			if hasAttr(o, "selected") {
				selected = o
			}
		}
		if selected == nil {
			selected = first
		}
		if selected != nil {
			value := text(selected)
			if hasAttr(selected, "value") {
				value = attr(selected, "value")
			}
			values.Add(name, value)
		}
	}
}

// elements returns the descendants of n with the given tag in document order.
func elements(n *html.Node, tag string) []*html.Node {
	var nodes []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == tag {
				nodes = append(nodes, c)
			}
			walk(c)
		}
	}
	walk(n)
	return nodes
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}
