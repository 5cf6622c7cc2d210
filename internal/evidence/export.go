package evidence

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/errs"
)

// Format selects an export rendering.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatPDF   Format = "pdf"
	FormatEMASS Format = "emass"
)

// Formats lists the supported export formats.
func Formats() []string {
	return []string{string(FormatJSON), string(FormatCSV), string(FormatPDF), string(FormatEMASS)}
}

// ParseFormat resolves a format selector, defaulting to JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatPDF, FormatEMASS:
		return f, nil
	}
	return "", errs.Invalid("format", s, "unsupported export format", Formats()...)
}

// Document is a rendered export.
type Document struct {
	Format      Format
	ContentType string
	Filename    string
	Body        []byte
}

// DefaultSchemaVersion is the eMASS schema version emitted when none is
// configured.
const DefaultSchemaVersion = "1.0"

const (
	summaryLimit = 200
	timeLayout   = "2006-01-02T15:04:05Z"
)

// CSVHeader is the evidence CSV header row.
var CSVHeader = []string{"Evidence ID", "Control ID", "Evidence Type", "Resource ID", "Collected At", "Data Summary"}

// Exporter renders evidence packages. Rendering never modifies the package.
type Exporter struct {
	schemaVersion string
	metrics       Recorder
	logger        *zap.Logger
}

// NewExporter validates the eMASS schema version and creates an exporter.
func NewExporter(schemaVersion string, metrics Recorder, logger *zap.Logger) (*Exporter, error) {
	if schemaVersion == "" {
		schemaVersion = DefaultSchemaVersion
	}
	if _, err := semver.NewVersion(schemaVersion); err != nil {
		return nil, errs.Invalid("emass schema version", schemaVersion, "must be a semantic version")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{schemaVersion: schemaVersion, metrics: metrics, logger: logger}, nil
}

// SchemaVersion returns the configured eMASS schema version.
func (e *Exporter) SchemaVersion() string { return e.schemaVersion }

// Export renders pkg in the requested format.
func (e *Exporter) Export(pkg *EvidencePackage, format Format) (Document, error) {
	var (
		doc Document
		err error
	)
	base := "evidence-" + pkg.ControlFamily + "-" + pkg.PackageID
	switch format {
	case FormatJSON:
		doc = Document{ContentType: "application/json", Filename: base + ".json"}
		doc.Body, err = ExportJSON(pkg)
	case FormatCSV:
		doc = Document{ContentType: "text/csv", Filename: base + ".csv"}
		doc.Body, err = ExportCSV(pkg)
	case FormatPDF:
		doc = Document{ContentType: "text/plain; charset=utf-8", Filename: base + ".txt"}
		doc.Body, err = ExportReport(pkg)
	case FormatEMASS:
		doc = Document{ContentType: "application/xml", Filename: base + ".emass.xml"}
		doc.Body, err = ExportEMASS(pkg, e.schemaVersion)
	default:
		_, err = ParseFormat(string(format))
	}
	doc.Format = format

	result := "ok"
	if err != nil {
		result = "error"
		e.logger.Error("Evidence export failed",
			zap.String("package_id", pkg.PackageID),
			zap.String("format", string(format)),
			zap.Error(err),
		)
	}
	if e.metrics != nil {
		e.metrics.ObserveExport(string(format), result)
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ExportJSON renders the package as indented JSON.
func ExportJSON(pkg *EvidencePackage) ([]byte, error) {
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return nil, &errs.SerializationError{Format: string(FormatJSON), Item: pkg.PackageID, Err: err}
	}
	return data, nil
}

// ExportCSV renders one row per evidence item under CSVHeader.
func ExportCSV(pkg *EvidencePackage) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return nil, &errs.SerializationError{Format: string(FormatCSV), Err: err}
	}
	for _, it := range pkg.Evidence {
		summary, err := DataSummary(it.Data)
		if err != nil {
			return nil, &errs.SerializationError{Format: string(FormatCSV), Item: it.EvidenceID, Err: err}
		}
		row := []string{
			it.EvidenceID,
			it.ControlID,
			it.EvidenceType,
			it.ResourceID,
			it.CollectedAt.UTC().Format(timeLayout),
			csvSummary(summary),
		}
		for _, field := range row {
			if !utf8.ValidString(field) {
				return nil, &errs.SerializationError{Format: string(FormatCSV), Item: it.EvidenceID, Err: fmt.Errorf("invalid UTF-8 in %q", field)}
			}
		}
		if err := w.Write(row); err != nil {
			return nil, &errs.SerializationError{Format: string(FormatCSV), Item: it.EvidenceID, Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, &errs.SerializationError{Format: string(FormatCSV), Err: err}
	}
	return buf.Bytes(), nil
}

// DataSummary joins data as "key=value" pairs in key order, separated by
// "; ". Non-string values are JSON-encoded.
func DataSummary(data map[string]any) (string, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := data[k].(type) {
		case string:
			v = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return "", fmt.Errorf("data key %q: %w", k, err)
			}
			v = string(b)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; "), nil
}

// csvSummary flattens newlines, drops commas and truncates to
// summaryLimit characters with a "..." suffix.
func csvSummary(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", ",", "").Replace(s)
	if r := []rune(s); len(r) > summaryLimit {
		s = string(r[:summaryLimit]) + "..."
	}
	return s
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts":      func(t time.Time) string { return t.UTC().Format(timeLayout) },
	"summary": func(d map[string]any) string { s, _ := DataSummary(d); return s },
	"score":   func(f float64) string { return fmt.Sprintf("%.2f", f) },
}).Parse(`EVIDENCE PACKAGE REPORT
=======================

Package ID:        {{.PackageID}}
System ID:         {{.SystemID}}
Subscription:      {{.SubscriptionID}}
Control Family:    {{.ControlFamily}} - {{.ControlFamilyName}}
Collection Date:   {{ts .CollectionDate}}
Evidence Items:    {{.TotalItems}}
Controls Covered:  {{.ControlsCovered}} of {{.ControlsTotal}}
Completeness:      {{score .CompletenessScore}}%
Submission Ready:  {{if .IsValid}}Yes{{else}}No{{end}}
Digest:            {{.Digest}}

SUMMARY
-------
{{.Summary}}
{{if .Warnings}}
WARNINGS
--------
{{range .Warnings}}- {{.}}
{{end}}{{end}}{{if .Error}}
COLLECTION ERRORS
-----------------
{{.Error}}
{{end}}
EVIDENCE
--------
{{range $i, $e := .Evidence}}[{{$i}}] {{$e.ControlID}} {{$e.EvidenceType}} ({{$e.EvidenceID}})
    Resource:  {{$e.ResourceID}}
    Collected: {{ts $e.CollectedAt}}
    Data:      {{summary $e.Data}}
{{end}}
ATTESTATION
-----------
{{.AttestationStatement}}
`))

// ExportReport renders a plain-text report suitable for printing to PDF.
func ExportReport(pkg *EvidencePackage) ([]byte, error) {
	for _, it := range pkg.Evidence {
		if _, err := DataSummary(it.Data); err != nil {
			return nil, &errs.SerializationError{Format: string(FormatPDF), Item: it.EvidenceID, Err: err}
		}
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, pkg); err != nil {
		return nil, &errs.SerializationError{Format: string(FormatPDF), Item: pkg.PackageID, Err: err}
	}
	return buf.Bytes(), nil
}
