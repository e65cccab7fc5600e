package soap

import (
	"errors"
	"strings"
	"testing"
)

func TestDecode_PrefixVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "soap prefix",
			body: `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
				<soap:Body><GetPrescription><PrescriptionID>rx-1</PrescriptionID></GetPrescription></soap:Body>
			</soap:Envelope>`,
		},
		{
			name: "SOAP-ENV prefix",
			body: `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">
				<SOAP-ENV:Body><GetPrescription><PrescriptionID>rx-1</PrescriptionID></GetPrescription></SOAP-ENV:Body>
			</SOAP-ENV:Envelope>`,
		},
		{
			name: "unprefixed",
			body: `<Envelope><Body><GetPrescription><PrescriptionID>rx-1</PrescriptionID></GetPrescription></Body></Envelope>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := Decode([]byte(tt.body))
			if err != nil {
				t.Fatalf("expected successful decode, got %v", err)
			}
			if action.Name != "GetPrescription" {
				t.Errorf("expected action GetPrescription, got %q", action.Name)
			}
			if got := action.Body.ChildText("PrescriptionID"); got != "rx-1" {
				t.Errorf("expected PrescriptionID rx-1, got %q", got)
			}
		})
	}
}

func TestDecode_Header(t *testing.T) {
	body := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
		<soap:Header><FacilityID>hosp-7</FacilityID></soap:Header>
		<soap:Body><SearchDrugs><Query>aspirin</Query></SearchDrugs></soap:Body>
	</soap:Envelope>`

	action, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if action.Header == nil {
		t.Fatal("expected header to be decoded")
	}
	if got := action.Header.ChildText("FacilityID"); got != "hosp-7" {
		t.Errorf("expected FacilityID hosp-7, got %q", got)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"whitespace only", "   \n\t  "},
		{"not xml", "this is not xml at all <"},
		{"no envelope", `<Foo><Bar/></Foo>`},
		{"no body element", `<Envelope><Header/></Envelope>`},
		{"empty soap body", `<Envelope><Body></Body></Envelope>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if err == nil {
				t.Fatal("expected decode error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T: %v", err, err)
			}
		})
	}
}

func TestDecode_FirstActionElementWins(t *testing.T) {
	body := `<Envelope><Body>
		<CancelPrescription><PrescriptionID>rx-9</PrescriptionID></CancelPrescription>
	</Body></Envelope>`

	action, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if action.Name != "CancelPrescription" {
		t.Errorf("expected CancelPrescription, got %q", action.Name)
	}
}

func TestElement_ChildHelpers(t *testing.T) {
	el := &Element{
		Name: "Root",
		Children: []*Element{
			{Name: "A", Text: " hello "},
			{Name: "B", Text: "world"},
		},
	}

	if el.Child("missing") != nil {
		t.Error("expected nil for missing child")
	}
	if got := el.ChildText("A"); got != "hello" {
		t.Errorf("expected trimmed text 'hello', got %q", got)
	}

	var nilEl *Element
	if nilEl.Child("A") != nil {
		t.Error("nil element should return nil child")
	}
	if nilEl.ChildText("A") != "" {
		t.Error("nil element should return empty text")
	}
}

func TestDecode_MalformedXMLMentionsReason(t *testing.T) {
	_, err := Decode([]byte(`<Envelope><Body><Open></Body></Envelope>`))
	if err == nil {
		t.Fatal("expected error for unbalanced XML")
	}
	if !strings.Contains(err.Error(), "soap:") {
		t.Errorf("expected soap-prefixed error, got %q", err.Error())
	}
}
