package editfolder

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNoSession is returned by ParseMetadata when the description names no
// session. The item cannot be collected and is skipped.
var ErrNoSession = errors.New("edit folder item has no session id")

// Metadata links an edit-folder copy back to its primary object and session.
// It is stored in the remote item's description field.
type Metadata struct {
	PrimaryKey string
	SessionID  string
	DocumentID string
	UserID     string
}

const (
	fieldPrimaryKey = "primary_key"
	fieldSessionID  = "session_id"
	fieldDocumentID = "document_id"
	fieldUserID     = "user_id"
)

// Older checkouts used camelCase JSON and other key names.
var fieldAliases = map[string]string{
	"primary_key": fieldPrimaryKey,
	"primarykey":  fieldPrimaryKey,
	"key":         fieldPrimaryKey,
	"object_key":  fieldPrimaryKey,
	"s3_key":      fieldPrimaryKey,
	"s3key":       fieldPrimaryKey,
	"session_id":  fieldSessionID,
	"sessionid":   fieldSessionID,
	"session":     fieldSessionID,
	"document_id": fieldDocumentID,
	"documentid":  fieldDocumentID,
	"doc_id":      fieldDocumentID,
	"docid":       fieldDocumentID,
	"user_id":     fieldUserID,
	"userid":      fieldUserID,
	"user":        fieldUserID,
}

// Serialize renders m as newline-delimited key=value lines in a fixed order.
// Empty fields are omitted.
func (m Metadata) Serialize() string {
	var b strings.Builder
	write := func(k, v string) {
		v = cleanValue(v)
		if v == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	write(fieldPrimaryKey, m.PrimaryKey)
	write(fieldSessionID, m.SessionID)
	write(fieldDocumentID, m.DocumentID)
	write(fieldUserID, m.UserID)
	return b.String()
}

// ParseMetadata reads a description written by Serialize, or by older
// checkouts as a JSON object. Unknown keys and malformed lines are ignored.
// When no primary key is present, fallbackKey is used. A missing session id
// returns the partial metadata together with ErrNoSession.
func ParseMetadata(desc, fallbackKey string) (Metadata, error) {
	desc = norm.NFC.String(strings.TrimSpace(desc))

	fields := map[string]string{}
	if strings.HasPrefix(desc, "{") {
		parseJSON(desc, fields)
	} else {
		parseLines(desc, fields)
	}

	m := Metadata{
		PrimaryKey: fields[fieldPrimaryKey],
		SessionID:  fields[fieldSessionID],
		DocumentID: fields[fieldDocumentID],
		UserID:     fields[fieldUserID],
	}
	if m.PrimaryKey == "" {
		m.PrimaryKey = fallbackKey
	}
	if m.SessionID == "" {
		return m, ErrNoSession
	}
	return m, nil
}

func parseLines(desc string, fields map[string]string) {
	for _, line := range strings.Split(desc, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		setField(fields, k, v)
	}
}

func parseJSON(desc string, fields map[string]string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(desc), &raw); err != nil {
		return
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			setField(fields, k, val)
		case float64:
			// Numeric document ids from older checkouts.
			setField(fields, k, strconv.FormatFloat(val, 'f', -1, 64))
		}
	}
}

func setField(fields map[string]string, k, v string) {
	name, ok := fieldAliases[strings.ToLower(strings.TrimSpace(k))]
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if _, seen := fields[name]; seen {
		return
	}
	fields[name] = v
}

func cleanValue(v string) string {
	v = norm.NFC.String(v)
	v = strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
	return strings.TrimSpace(v)
}
