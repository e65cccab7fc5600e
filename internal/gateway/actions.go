// Package gateway is the orchestration core of the legacy SOAP gateway: it
// maps decoded SOAP actions onto the synchronous read path (cache, breaker,
// backend) or the asynchronous write path (validate, publish, poll), and
// funnels every outcome back through the SOAP codec.
package gateway

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ehr/legacy-gateway/internal/backend"
	"github.com/ehr/legacy-gateway/internal/bridge"
	"github.com/ehr/legacy-gateway/internal/platform/soap"
)

// Supported SOAP action names.
const (
	ActionSearchDrugs        = "SearchDrugs"
	ActionGetDrugInfo        = "GetDrugInfo"
	ActionGetPrescription    = "GetPrescription"
	ActionGetDispenseHistory = "GetDispenseHistory"
	ActionCreatePrescription = "CreatePrescription"
	ActionSignPrescription   = "SignPrescription"
	ActionCancelPrescription = "CancelPrescription"
	ActionRecordDispense     = "RecordDispense"
	ActionGetStatus          = "GetStatus"
)

// Read-path TTLs: mutable records (a specific prescription, its dispense
// trail) stay fresh for minutes; slow-changing reference data (drug
// catalog) for an hour.
const (
	shortTTL = 5 * time.Minute
	longTTL  = time.Hour
)

// ValidationError is a request rejected before any network contact: missing
// required fields or malformed values. The router maps it to a Client fault
// with HTTP 400.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing or invalid required field(s): " + strings.Join(e.Fields, ", ")
}

// readSpec describes one sync-read action.
type readSpec struct {
	backend string
	ttl     time.Duration
	// build extracts the backend request and cache key from the action
	// body. Returns a *ValidationError when required parameters are absent.
	build func(body *soap.Element) (path string, query url.Values, cacheKey string, err error)
}

// writeSpec describes one async-write action.
type writeSpec struct {
	family      string
	commandType string
	// build extracts the typed command payload. Field presence is checked
	// afterwards by the validator.
	build func(body *soap.Element) Command
	// fallbackPath is the backend path used by the sync-write-fallback
	// strategy when async infrastructure is disabled.
	fallbackPath string
}

// Command is a typed write payload. Invalidates names the cache prefix the
// write makes stale, or "" when nothing cached depends on it.
type Command interface {
	Invalidates() string
}

// Command payloads, one type per action family member. Explicit tagged
// structs validated at the boundary rather than untyped pass-through
// documents.

type CreatePrescriptionCommand struct {
	PatientID        string `json:"patientId" validate:"required"`
	PhysicianLicense string `json:"physicianLicense" validate:"required"`
	DrugCode         string `json:"drugCode" validate:"required"`
	Dosage           string `json:"dosage" validate:"required"`
	Quantity         string `json:"quantity" validate:"required"`
	Refills          string `json:"refills,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

type SignPrescriptionCommand struct {
	PrescriptionID   string `json:"prescriptionId" validate:"required"`
	PhysicianLicense string `json:"physicianLicense" validate:"required"`
	Signature        string `json:"signature" validate:"required"`
}

type CancelPrescriptionCommand struct {
	PrescriptionID   string `json:"prescriptionId" validate:"required"`
	PhysicianLicense string `json:"physicianLicense" validate:"required"`
	Reason           string `json:"reason,omitempty"`
}

type RecordDispenseCommand struct {
	PrescriptionID    string `json:"prescriptionId" validate:"required"`
	PharmacyID        string `json:"pharmacyId" validate:"required"`
	PharmacistLicense string `json:"pharmacistLicense" validate:"required"`
	Quantity          string `json:"quantity" validate:"required"`
	DispensedAt       string `json:"dispensedAt,omitempty"`
}

// A freshly created prescription has no cached reads to invalidate yet.
func (*CreatePrescriptionCommand) Invalidates() string { return "" }

func (c *SignPrescriptionCommand) Invalidates() string { return "rx:" + c.PrescriptionID }

func (c *CancelPrescriptionCommand) Invalidates() string { return "rx:" + c.PrescriptionID }

func (c *RecordDispenseCommand) Invalidates() string { return "dispense:" + c.PrescriptionID }

var readActions = map[string]readSpec{
	ActionSearchDrugs: {
		backend: backend.NameMedication,
		ttl:     longTTL,
		build: func(body *soap.Element) (string, url.Values, string, error) {
			query := body.ChildText("Query")
			if query == "" {
				return "", nil, "", &ValidationError{Fields: []string{"Query"}}
			}
			q := url.Values{"query": {query}}
			if limit := body.ChildText("Limit"); limit != "" {
				q.Set("limit", limit)
			}
			return "/drugs", q, "drug:search:" + strings.ToLower(query) + ":" + q.Get("limit"), nil
		},
	},
	ActionGetDrugInfo: {
		backend: backend.NameMedication,
		ttl:     longTTL,
		build: func(body *soap.Element) (string, url.Values, string, error) {
			code := body.ChildText("DrugCode")
			if code == "" {
				return "", nil, "", &ValidationError{Fields: []string{"DrugCode"}}
			}
			return "/drugs/" + url.PathEscape(code), nil, "drug:info:" + code, nil
		},
	},
	ActionGetPrescription: {
		backend: backend.NamePrescription,
		ttl:     shortTTL,
		build: func(body *soap.Element) (string, url.Values, string, error) {
			id := body.ChildText("PrescriptionID")
			if id == "" {
				return "", nil, "", &ValidationError{Fields: []string{"PrescriptionID"}}
			}
			return "/prescriptions/" + url.PathEscape(id), nil, "rx:" + id, nil
		},
	},
	ActionGetDispenseHistory: {
		backend: backend.NameDispense,
		ttl:     shortTTL,
		build: func(body *soap.Element) (string, url.Values, string, error) {
			id := body.ChildText("PrescriptionID")
			if id == "" {
				return "", nil, "", &ValidationError{Fields: []string{"PrescriptionID"}}
			}
			return "/dispenses", url.Values{"prescriptionId": {id}}, "dispense:" + id, nil
		},
	},
}

var writeActions = map[string]writeSpec{
	ActionCreatePrescription: {
		family:      bridge.FamilyPrescription,
		commandType: "prescription.create",
		build: func(body *soap.Element) Command {
			return &CreatePrescriptionCommand{
				PatientID:        body.ChildText("PatientID"),
				PhysicianLicense: body.ChildText("PhysicianLicense"),
				DrugCode:         body.ChildText("DrugCode"),
				Dosage:           body.ChildText("Dosage"),
				Quantity:         body.ChildText("Quantity"),
				Refills:          body.ChildText("Refills"),
				Notes:            body.ChildText("Notes"),
			}
		},
		fallbackPath: "/prescriptions",
	},
	ActionSignPrescription: {
		family:      bridge.FamilyPrescription,
		commandType: "prescription.sign",
		build: func(body *soap.Element) Command {
			return &SignPrescriptionCommand{
				PrescriptionID:   body.ChildText("PrescriptionID"),
				PhysicianLicense: body.ChildText("PhysicianLicense"),
				Signature:        body.ChildText("Signature"),
			}
		},
		fallbackPath: "/prescriptions/sign",
	},
	ActionCancelPrescription: {
		family:      bridge.FamilyPrescription,
		commandType: "prescription.cancel",
		build: func(body *soap.Element) Command {
			return &CancelPrescriptionCommand{
				PrescriptionID:   body.ChildText("PrescriptionID"),
				PhysicianLicense: body.ChildText("PhysicianLicense"),
				Reason:           body.ChildText("Reason"),
			}
		},
		fallbackPath: "/prescriptions/cancel",
	},
	ActionRecordDispense: {
		family:      bridge.FamilyDispense,
		commandType: "dispense.record",
		build: func(body *soap.Element) Command {
			return &RecordDispenseCommand{
				PrescriptionID:    body.ChildText("PrescriptionID"),
				PharmacyID:        body.ChildText("PharmacyID"),
				PharmacistLicense: body.ChildText("PharmacistLicense"),
				Quantity:          body.ChildText("Quantity"),
				DispensedAt:       body.ChildText("DispensedAt"),
			}
		},
		fallbackPath: "/dispenses",
	},
}

// fallbackBackend maps a write family to the backend serving it on the
// sync-fallback path.
var fallbackBackend = map[string]string{
	bridge.FamilyPrescription: backend.NamePrescription,
	bridge.FamilyDispense:     backend.NameDispense,
}

// ActionNames lists every supported action, for WSDL generation.
func ActionNames() []string {
	names := make([]string, 0, len(readActions)+len(writeActions)+1)
	for name := range readActions {
		names = append(names, name)
	}
	for name := range writeActions {
		names = append(names, name)
	}
	names = append(names, ActionGetStatus)
	return names
}

// validateCommand checks required fields on a command payload and converts
// validator output into the gateway's ValidationError.
func validateCommand(v *validator.Validate, payload any) error {
	err := v.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return fmt.Errorf("validate command: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return &ValidationError{Fields: fields}
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}
