package frontier

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
)

// Stored field names.
const (
	FieldSessionID        = "sessionId"
	FieldURL              = "url"
	FieldParentURL        = "parentUrl"
	FieldMethod           = "method"
	FieldDepth            = "depth"
	FieldCreateTime       = "createTime"
	FieldLastModified     = "lastModified"
	FieldRuleID           = "ruleId"
	FieldStatus           = "status"
	FieldHTTPStatusCode   = "httpStatusCode"
	FieldMimeType         = "mimeType"
	FieldContentLength    = "contentLength"
	FieldExecutionTime    = "executionTime"
	FieldAccessResultData = "accessResultData"
	FieldTransformerName  = "transformerName"
	FieldData             = "data"
	FieldEncoding         = "encoding"
	FieldFilterType       = "filterType"
)

var accessRecordFields = map[string]struct{}{
	FieldSessionID: {}, FieldURL: {}, FieldParentURL: {}, FieldRuleID: {}, FieldStatus: {},
	FieldHTTPStatusCode: {}, FieldMethod: {}, FieldMimeType: {}, FieldContentLength: {},
	FieldExecutionTime: {}, FieldLastModified: {}, FieldCreateTime: {}, FieldAccessResultData: {},
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// EncodeEntry converts e to its queue document.
func EncodeEntry(e Entry) docstore.Document {
	return docstore.Document{
		ID: e.ID,
		Fields: docstore.Fields{
			FieldSessionID:    e.SessionID,
			FieldURL:          e.URL,
			FieldParentURL:    e.ParentURL,
			FieldMethod:       e.Method,
			FieldDepth:        e.Depth,
			FieldCreateTime:   millis(e.CreateTime),
			FieldLastModified: millis(e.LastModified),
		},
	}
}

// DecodeEntry converts a queue document back to an Entry.
func DecodeEntry(doc docstore.Document) (Entry, error) {
	d := decoder{fields: doc.Fields}
	e := Entry{
		ID:           doc.ID,
		SessionID:    d.required(FieldSessionID),
		URL:          d.required(FieldURL),
		ParentURL:    d.str(FieldParentURL),
		Method:       d.str(FieldMethod),
		Depth:        int(d.integer(FieldDepth)),
		CreateTime:   d.timestamp(FieldCreateTime),
		LastModified: d.timestamp(FieldLastModified),
	}
	if e.Depth < 0 {
		d.problem(FieldDepth, "negative")
	}
	if err := d.err("queue entry", doc.ID); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// EncodeAccessRecord converts r to its data document. Extra fields are
// written first so known fields always win.
func EncodeAccessRecord(r AccessRecord) docstore.Document {
	fields := make(docstore.Fields, len(r.Extra)+len(accessRecordFields))
	for k, v := range r.Extra {
		fields[k] = v
	}
	fields[FieldSessionID] = r.SessionID
	fields[FieldURL] = r.URL
	fields[FieldParentURL] = r.ParentURL
	fields[FieldRuleID] = r.RuleID
	fields[FieldStatus] = r.Status
	fields[FieldHTTPStatusCode] = r.HTTPStatusCode
	fields[FieldMethod] = r.Method
	fields[FieldMimeType] = r.MimeType
	fields[FieldContentLength] = r.ContentLength
	fields[FieldExecutionTime] = r.ExecutionTime
	fields[FieldLastModified] = millis(r.LastModified)
	fields[FieldCreateTime] = millis(r.CreateTime)
	if r.Payload != nil {
		fields[FieldAccessResultData] = docstore.Fields{
			FieldTransformerName: r.Payload.TransformerName,
			FieldData:            base64.StdEncoding.EncodeToString(r.Payload.Data),
			FieldEncoding:        r.Payload.Encoding,
		}
	}
	return docstore.Document{ID: r.ID, Fields: fields}
}

// DecodeAccessRecord converts a data document back to an AccessRecord. The
// payload sub-object is decoded separately from the flat fields.
func DecodeAccessRecord(doc docstore.Document) (AccessRecord, error) {
	d := decoder{fields: doc.Fields}
	r := AccessRecord{
		ID:             doc.ID,
		SessionID:      d.required(FieldSessionID),
		URL:            d.required(FieldURL),
		ParentURL:      d.str(FieldParentURL),
		RuleID:         d.str(FieldRuleID),
		Status:         int(d.integer(FieldStatus)),
		HTTPStatusCode: int(d.integer(FieldHTTPStatusCode)),
		Method:         d.str(FieldMethod),
		MimeType:       d.str(FieldMimeType),
		ContentLength:  d.integer(FieldContentLength),
		ExecutionTime:  d.integer(FieldExecutionTime),
		LastModified:   d.timestamp(FieldLastModified),
		CreateTime:     d.timestamp(FieldCreateTime),
	}
	if raw, ok := doc.Fields[FieldAccessResultData]; ok && raw != nil {
		r.Payload = d.payload(raw)
	}
	for k, v := range doc.Fields {
		if _, known := accessRecordFields[k]; known {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = v
	}
	if err := d.err("access record", doc.ID); err != nil {
		return AccessRecord{}, err
	}
	return r, nil
}

// EncodeURLFilter converts f to its filter document.
func EncodeURLFilter(f URLFilter) docstore.Document {
	return docstore.Document{
		ID: f.ID,
		Fields: docstore.Fields{
			FieldSessionID:  f.SessionID,
			FieldFilterType: f.FilterType,
			FieldURL:        f.Pattern,
		},
	}
}

// DecodeURLFilter converts a filter document back to a URLFilter.
func DecodeURLFilter(doc docstore.Document) (URLFilter, error) {
	d := decoder{fields: doc.Fields}
	f := URLFilter{
		ID:         doc.ID,
		SessionID:  d.required(FieldSessionID),
		FilterType: d.required(FieldFilterType),
		Pattern:    d.required(FieldURL),
	}
	if f.FilterType != "" && f.FilterType != FilterInclude && f.FilterType != FilterExclude {
		d.problem(FieldFilterType, fmt.Sprintf("unknown type %q", f.FilterType))
	}
	if err := d.err("url filter", doc.ID); err != nil {
		return URLFilter{}, err
	}
	return f, nil
}

// decoder reads typed values out of a document and collects every problem
// so one error names all bad fields.
type decoder struct {
	fields   docstore.Fields
	problems []string
}

func (d *decoder) problem(field, msg string) {
	d.problems = append(d.problems, field+": "+msg)
}

func (d *decoder) str(field string) string {
	v, ok := d.fields[field]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.problem(field, fmt.Sprintf("want string, got %T", v))
	}
	return s
}

func (d *decoder) required(field string) string {
	s := d.str(field)
	if s == "" {
		if _, present := d.fields[field]; !present {
			d.problem(field, "missing")
		} else {
			d.problem(field, "empty")
		}
	}
	return s
}

func (d *decoder) integer(field string) int64 {
	v, ok := d.fields[field]
	if !ok || v == nil {
		return 0
	}
	n, ok := docstore.Int64(v)
	if !ok {
		d.problem(field, fmt.Sprintf("want integer, got %T", v))
	}
	return n
}

func (d *decoder) timestamp(field string) time.Time {
	ms := d.integer(field)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (d *decoder) payload(raw any) *AccessPayload {
	var sub map[string]any
	switch typed := raw.(type) {
	case docstore.Fields:
		sub = typed
	case map[string]any:
		sub = typed
	default:
		d.problem(FieldAccessResultData, fmt.Sprintf("want object, got %T", raw))
		return nil
	}
	inner := decoder{fields: sub}
	p := &AccessPayload{
		TransformerName: inner.str(FieldTransformerName),
		Encoding:        inner.str(FieldEncoding),
	}
	switch data := sub[FieldData].(type) {
	case nil:
	case []byte:
		p.Data = append([]byte(nil), data...)
	case string:
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			inner.problem(FieldData, "invalid base64")
		}
		p.Data = decoded
	default:
		inner.problem(FieldData, fmt.Sprintf("want base64 string, got %T", data))
	}
	for _, msg := range inner.problems {
		d.problems = append(d.problems, FieldAccessResultData+"."+msg)
	}
	return p
}

func (d *decoder) err(kind, id string) error {
	if len(d.problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s %q: %s", ErrCorruptDecode, kind, id, strings.Join(d.problems, "; "))
}
