// Package soap implements the SOAP 1.1 envelope codec used by the legacy
// gateway: decoding inbound request envelopes into actions, and encoding
// results and faults back into response envelopes. All functions are pure;
// transport concerns live in the gateway package.
package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Element is a generic XML element tree node with namespace prefixes already
// stripped. Legacy integrations disagree on prefixes (soap:, SOAP-ENV:, s:,
// none at all), so all matching is done on local names.
type Element struct {
	Name     string
	Text     string
	Children []*Element
}

// Child returns the first direct child with the given local name, or nil.
func (e *Element) Child(name string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildText returns the trimmed text content of the first direct child with
// the given local name, or "" when no such child exists.
func (e *Element) ChildText(name string) string {
	c := e.Child(name)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text)
}

// Action is one decoded SOAP request: the single top-level body element and
// the optional header block.
type Action struct {
	Name   string
	Body   *Element
	Header *Element
}

// DecodeError reports a request body that could not be decoded into an
// Action. The gateway maps it to a Client fault with HTTP 400.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "soap: " + e.Reason
}

// Decode parses a raw SOAP request into an Action. It accepts any envelope
// prefix variant and requires exactly one top-level action element inside
// the body.
func Decode(raw []byte) (*Action, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &DecodeError{Reason: "request body is empty"}
	}

	root, err := parseTree(raw)
	if err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed XML: %v", err)}
	}

	if root.Name != "Envelope" {
		return nil, &DecodeError{Reason: "no SOAP Envelope element found"}
	}

	body := root.Child("Body")
	if body == nil {
		return nil, &DecodeError{Reason: "no SOAP Body element found"}
	}

	if len(body.Children) == 0 {
		return nil, &DecodeError{Reason: "SOAP Body contains no action element"}
	}

	action := body.Children[0]
	return &Action{
		Name:   action.Name,
		Body:   action,
		Header: root.Child("Header"),
	}, nil
}

// parseTree builds an Element tree from raw XML, discarding namespace
// prefixes. encoding/xml resolves prefixed names to their local part, which
// makes the soap:/SOAP-ENV:/unprefixed variants indistinguishable here.
func parseTree(raw []byte) (*Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var root *Element
	var stack []*Element

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Name: t.Name.Local}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			}
			stack = append(stack, el)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced end element %q", t.Name.Local)
			}
			stack = stack[:len(stack)-1]

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("no XML content")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unclosed element %q", stack[len(stack)-1].Name)
	}
	return root, nil
}
