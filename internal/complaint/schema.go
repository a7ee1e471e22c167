package complaint

// Column is one entry of the versioned field-to-type mapping that
// defines the warehouse table. Order here is table column order.
type Column struct {
	Name    string
	SQLType string
}

// Columns is the warehouse schema for cfpb_complaints: the explicit
// source-field mapping, then ingestion metadata, then the extra
// side-map. complaint_id is the merge key.
var Columns = []Column{
	{Name: "complaint_id", SQLType: "VARCHAR"},
	{Name: "date_received", SQLType: "DATE"},
	{Name: "product", SQLType: "VARCHAR"},
	{Name: "sub_product", SQLType: "VARCHAR"},
	{Name: "issue", SQLType: "VARCHAR"},
	{Name: "sub_issue", SQLType: "VARCHAR"},
	{Name: "company", SQLType: "VARCHAR"},
	{Name: "company_public_response", SQLType: "VARCHAR"},
	{Name: "company_response", SQLType: "VARCHAR"},
	{Name: "consumer_consent_provided", SQLType: "VARCHAR"},
	{Name: "consumer_disputed", SQLType: "VARCHAR"},
	{Name: "complaint_what_happened", SQLType: "VARCHAR"},
	{Name: "state", SQLType: "VARCHAR"},
	{Name: "zip_code", SQLType: "VARCHAR"},
	{Name: "submitted_via", SQLType: "VARCHAR"},
	{Name: "tags", SQLType: "VARCHAR"},
	{Name: "timely", SQLType: "VARCHAR"},
	{Name: "date_sent_to_company", SQLType: "DATE"},
	{Name: "extracted_at", SQLType: "TIMESTAMP"},
	{Name: "load_id", SQLType: "VARCHAR"},
	{Name: "extra", SQLType: "JSON"},
}

// KeyColumn is the merge key for upserts.
const KeyColumn = "complaint_id"

// ColumnValues returns the record's values in Columns order, with
// empty strings as SQL NULLs so DATE/JSON columns cast cleanly.
func (r *Record) ColumnValues() []any {
	vals := []any{
		r.ComplaintID,
		nullable(r.DateReceived),
		nullable(r.Product),
		nullable(r.SubProduct),
		nullable(r.Issue),
		nullable(r.SubIssue),
		nullable(r.Company),
		nullable(r.CompanyPublicResponse),
		nullable(r.CompanyResponse),
		nullable(r.ConsumerConsentProvided),
		nullable(r.ConsumerDisputed),
		nullable(r.ComplaintWhatHappened),
		nullable(r.State),
		nullable(r.ZipCode),
		nullable(r.SubmittedVia),
		nullable(r.Tags),
		nullable(r.Timely),
		nullable(r.DateSentToCompany),
		r.ExtractedAt,
		r.LoadID,
		nullable(r.ExtraJSON),
	}
	return vals
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
