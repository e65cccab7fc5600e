package soap

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"
)

const envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

// FaultCode distinguishes caller mistakes from gateway/backend failures, per
// SOAP 1.1 fault semantics.
type FaultCode string

const (
	FaultClient FaultCode = "Client"
	FaultServer FaultCode = "Server"
)

// EncodeResponse serialises a successful action result into a SOAP response
// envelope. The result document is wrapped in <{action}Response> together
// with a Success flag and an RFC3339 timestamp. Supported result values are
// nil, string, bool, numbers, *Element trees, map[string]any, and slices of
// the same; map keys are emitted in sorted order so output is deterministic.
func EncodeResponse(actionName string, result any) ([]byte, error) {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<soap:Envelope xmlns:soap="` + envelopeNS + `">`)
	b.WriteString(`<soap:Body>`)
	b.WriteString("<" + actionName + "Response>")
	b.WriteString("<Success>true</Success>")
	b.WriteString("<Timestamp>" + time.Now().UTC().Format(time.RFC3339) + "</Timestamp>")
	if err := encodeValue(&b, result); err != nil {
		return nil, fmt.Errorf("soap: encode %s response: %w", actionName, err)
	}
	b.WriteString("</" + actionName + "Response>")
	b.WriteString(`</soap:Body>`)
	b.WriteString(`</soap:Envelope>`)
	return []byte(b.String()), nil
}

// EncodeFault serialises a SOAP Fault envelope. It cannot fail: every error
// path in the gateway ends here, so this function must always produce a
// well-formed envelope.
func EncodeFault(code FaultCode, message, detail string) []byte {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<soap:Envelope xmlns:soap="` + envelopeNS + `">`)
	b.WriteString(`<soap:Body>`)
	b.WriteString(`<soap:Fault>`)
	b.WriteString("<faultcode>soap:" + string(code) + "</faultcode>")
	b.WriteString("<faultstring>" + escape(message) + "</faultstring>")
	if detail != "" {
		b.WriteString("<detail>" + escape(detail) + "</detail>")
	}
	b.WriteString(`</soap:Fault>`)
	b.WriteString(`</soap:Body>`)
	b.WriteString(`</soap:Envelope>`)
	return []byte(b.String())
}

func encodeValue(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		return nil
	case *Element:
		encodeElement(b, val)
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encodeField(b, k, val[k]); err != nil {
				return err
			}
		}
		return nil
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("<" + k + ">" + escape(val[k]) + "</" + k + ">")
		}
		return nil
	case []any:
		for _, item := range val {
			if err := encodeField(b, "Item", item); err != nil {
				return err
			}
		}
		return nil
	case string:
		b.WriteString(escape(val))
		return nil
	case bool, int, int32, int64, float32, float64:
		b.WriteString(escape(fmt.Sprintf("%v", val)))
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

func encodeField(b *strings.Builder, name string, v any) error {
	b.WriteString("<" + name + ">")
	if err := encodeValue(b, v); err != nil {
		return err
	}
	b.WriteString("</" + name + ">")
	return nil
}

func encodeElement(b *strings.Builder, el *Element) {
	b.WriteString("<" + el.Name + ">")
	if len(el.Children) == 0 {
		b.WriteString(escape(strings.TrimSpace(el.Text)))
	} else {
		for _, c := range el.Children {
			encodeElement(b, c)
		}
	}
	b.WriteString("</" + el.Name + ">")
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
