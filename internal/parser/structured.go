package parser

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CSVParser renders tabular data as one line per record, with the header row
// repeated into each line so chunks stay self-describing.
type CSVParser struct{}

func (p *CSVParser) MIMETypes() []string {
	return []string{"text/csv"}
}

func (p *CSVParser) Parse(content []byte) (*Result, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}
	if len(records) == 0 {
		return &Result{Text: "", Metadata: map[string]string{}, Pages: 1}, nil
	}

	header := records[0]
	var b strings.Builder
	for _, record := range records[1:] {
		for i, field := range record {
			if i > 0 {
				b.WriteString("; ")
			}
			if i < len(header) {
				b.WriteString(header[i])
				b.WriteString(": ")
			}
			b.WriteString(field)
		}
		b.WriteByte('\n')
	}

	return &Result{
		Text:     b.String(),
		Metadata: map[string]string{"columns": strings.Join(header, ",")},
		Pages:    1,
	}, nil
}

// JSONParser flattens JSON documents into indented key paths so nested
// values remain searchable as text.
type JSONParser struct{}

func (p *JSONParser) MIMETypes() []string {
	return []string{"application/json"}
}

func (p *JSONParser) Parse(content []byte) (*Result, error) {
	var value any
	if err := json.Unmarshal(content, &value); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	var b strings.Builder
	flattenJSON(&b, "", value)
	return &Result{
		Text:     b.String(),
		Metadata: map[string]string{},
		Pages:    1,
	}, nil
}

func flattenJSON(b *strings.Builder, path string, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			flattenJSON(b, childPath, v[key])
		}
	case []any:
		for i, child := range v {
			flattenJSON(b, fmt.Sprintf("%s[%d]", path, i), child)
		}
	default:
		fmt.Fprintf(b, "%s: %v\n", path, v)
	}
}

var (
	_ Parser = (*CSVParser)(nil)
	_ Parser = (*JSONParser)(nil)
)
