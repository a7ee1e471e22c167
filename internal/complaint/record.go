// Package complaint defines the record model for the CFPB Consumer
// Complaint Database and the merge-key contract used by the loader.
package complaint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// KeyVersion identifies the fallback key derivation contract. Changing
// the canonicalization or hash below invalidates every previously
// loaded key that lacked a natural identifier, so it must be bumped
// together with a full reload.
const KeyVersion = "v1"

// Record is one consumer complaint as staged and loaded. Source fields
// are an explicit, versioned mapping (see Columns); anything the API
// returns outside this mapping is preserved in Extra rather than
// dropped.
type Record struct {
	ComplaintID             string `parquet:"complaint_id" json:"complaint_id"`
	DateReceived            string `parquet:"date_received,optional" json:"date_received,omitempty"`
	Product                 string `parquet:"product,optional" json:"product,omitempty"`
	SubProduct              string `parquet:"sub_product,optional" json:"sub_product,omitempty"`
	Issue                   string `parquet:"issue,optional" json:"issue,omitempty"`
	SubIssue                string `parquet:"sub_issue,optional" json:"sub_issue,omitempty"`
	Company                 string `parquet:"company,optional" json:"company,omitempty"`
	CompanyPublicResponse   string `parquet:"company_public_response,optional" json:"company_public_response,omitempty"`
	CompanyResponse         string `parquet:"company_response,optional" json:"company_response,omitempty"`
	ConsumerConsentProvided string `parquet:"consumer_consent_provided,optional" json:"consumer_consent_provided,omitempty"`
	ConsumerDisputed        string `parquet:"consumer_disputed,optional" json:"consumer_disputed,omitempty"`
	ComplaintWhatHappened   string `parquet:"complaint_what_happened,optional" json:"complaint_what_happened,omitempty"`
	State                   string `parquet:"state,optional" json:"state,omitempty"`
	ZipCode                 string `parquet:"zip_code,optional" json:"zip_code,omitempty"`
	SubmittedVia            string `parquet:"submitted_via,optional" json:"submitted_via,omitempty"`
	Tags                    string `parquet:"tags,optional" json:"tags,omitempty"`
	Timely                  string `parquet:"timely,optional" json:"timely,omitempty"`
	DateSentToCompany       string `parquet:"date_sent_to_company,optional" json:"date_sent_to_company,omitempty"`

	// Ingestion metadata stamped by the pipeline, never by the source.
	ExtractedAt time.Time `parquet:"extracted_at" json:"extracted_at"`
	LoadID      string    `parquet:"load_id" json:"load_id"`

	// ExtraJSON is the staged form of Extra (one JSON object column).
	ExtraJSON string `parquet:"extra,optional" json:"extra,omitempty"`

	// Extra holds source fields outside the explicit mapping.
	Extra map[string]string `parquet:"-" json:"-"`
}

// fieldSetters maps source field names onto typed struct fields.
var fieldSetters = map[string]func(*Record, string){
	"complaint_id":              func(r *Record, v string) { r.ComplaintID = v },
	"date_received":             func(r *Record, v string) { r.DateReceived = v },
	"product":                   func(r *Record, v string) { r.Product = v },
	"sub_product":               func(r *Record, v string) { r.SubProduct = v },
	"issue":                     func(r *Record, v string) { r.Issue = v },
	"sub_issue":                 func(r *Record, v string) { r.SubIssue = v },
	"company":                   func(r *Record, v string) { r.Company = v },
	"company_public_response":   func(r *Record, v string) { r.CompanyPublicResponse = v },
	"company_response":          func(r *Record, v string) { r.CompanyResponse = v },
	"consumer_consent_provided": func(r *Record, v string) { r.ConsumerConsentProvided = v },
	"consumer_disputed":         func(r *Record, v string) { r.ConsumerDisputed = v },
	"complaint_what_happened":   func(r *Record, v string) { r.ComplaintWhatHappened = v },
	"state":                     func(r *Record, v string) { r.State = v },
	"zip_code":                  func(r *Record, v string) { r.ZipCode = v },
	"submitted_via":             func(r *Record, v string) { r.SubmittedVia = v },
	"tags":                      func(r *Record, v string) { r.Tags = v },
	"timely":                    func(r *Record, v string) { r.Timely = v },
	"date_sent_to_company":      func(r *Record, v string) { r.DateSentToCompany = v },
}

// FromSource builds a Record from one raw API document. Known fields
// land in the typed mapping; unknown fields go to Extra. The API may
// carry the identifier as complaint_id, _id or id; all three are
// honored, and a record with none gets a deterministic fallback key.
func FromSource(src map[string]any) Record {
	var r Record

	for name, value := range src {
		s := stringify(value)
		if set, ok := fieldSetters[name]; ok {
			set(&r, s)
			continue
		}
		switch name {
		case "_id", "id":
			if r.ComplaintID == "" {
				r.ComplaintID = s
			}
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]string)
			}
			r.Extra[name] = s
		}
	}

	// Prefer an explicit complaint_id over _id/id when both appear.
	if v, ok := src["complaint_id"]; ok {
		if s := stringify(v); s != "" {
			r.ComplaintID = s
		}
	}

	if r.ComplaintID == "" {
		r.ComplaintID = r.fallbackKey()
	}
	return r
}

// fallbackKey derives the merge key for records without a source
// identifier: date_received prefix plus the first 16 hex characters of
// a SHA-256 over the sorted name=value lines of every source field.
// This is the KeyVersion contract.
func (r *Record) fallbackKey() string {
	pairs := map[string]string{
		"date_received":             r.DateReceived,
		"product":                   r.Product,
		"sub_product":               r.SubProduct,
		"issue":                     r.Issue,
		"sub_issue":                 r.SubIssue,
		"company":                   r.Company,
		"company_public_response":   r.CompanyPublicResponse,
		"company_response":          r.CompanyResponse,
		"consumer_consent_provided": r.ConsumerConsentProvided,
		"consumer_disputed":         r.ConsumerDisputed,
		"complaint_what_happened":   r.ComplaintWhatHappened,
		"state":                     r.State,
		"zip_code":                  r.ZipCode,
		"submitted_via":             r.SubmittedVia,
		"tags":                      r.Tags,
		"timely":                    r.Timely,
		"date_sent_to_company":      r.DateSentToCompany,
	}
	for k, v := range r.Extra {
		pairs[k] = v
	}

	lines := make([]string, 0, len(pairs))
	for k, v := range pairs {
		if v == "" {
			continue
		}
		lines = append(lines, k+"="+v)
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return fmt.Sprintf("%s_%s", r.DateReceived, hex.EncodeToString(sum[:])[:16])
}

// SealExtras serializes Extra into the staged ExtraJSON column.
func (r *Record) SealExtras() error {
	if len(r.Extra) == 0 {
		r.ExtraJSON = ""
		return nil
	}
	data, err := json.Marshal(r.Extra)
	if err != nil {
		return fmt.Errorf("failed to encode extra fields: %w", err)
	}
	r.ExtraJSON = string(data)
	return nil
}

// UnsealExtras restores Extra from a staged ExtraJSON column.
func (r *Record) UnsealExtras() error {
	if r.ExtraJSON == "" {
		r.Extra = nil
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(r.ExtraJSON), &m); err != nil {
		return fmt.Errorf("failed to decode extra fields: %w", err)
	}
	r.Extra = m
	return nil
}

// stringify flattens a raw JSON value into the string form stored in
// the warehouse. Scalars print naturally; composites keep their JSON
// encoding so nothing is lost.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		return fmt.Sprintf("%v", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
