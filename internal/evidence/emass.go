package evidence

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lvonguyen/ato-compliance/internal/errs"
)

// EMASSDocument is the parsed form of an eMASS package.
type EMASSDocument struct {
	XMLName     xml.Name         `xml:"emass-package"`
	Version     string           `xml:"version,attr"`
	Metadata    EMASSMetadata    `xml:"metadata"`
	Artifacts   EMASSArtifacts   `xml:"artifacts"`
	Attestation EMASSAttestation `xml:"attestation"`
}

// Namespace returns the document's default namespace.
func (d *EMASSDocument) Namespace() string { return d.XMLName.Space }

// EMASSMetadata identifies the submission.
type EMASSMetadata struct {
	SystemID          string `xml:"system-id"`
	PackageID         string `xml:"package-id"`
	SubmissionDate    string `xml:"submission-date"`
	ControlFamily     string `xml:"control-family"`
	ControlFamilyName string `xml:"control-family-name"`
}

// EMASSArtifacts wraps the artifact list.
type EMASSArtifacts struct {
	Count int             `xml:"count,attr"`
	Items []EMASSArtifact `xml:"artifact"`
}

// EMASSArtifact is one evidence item.
type EMASSArtifact struct {
	ArtifactID     string `xml:"artifact-id"`
	ControlID      string `xml:"control-id"`
	ArtifactType   string `xml:"artifact-type"`
	ResourceID     string `xml:"resource-id"`
	CollectionDate string `xml:"collection-date"`
	Data           string `xml:"data"`
}

// EMASSAttestation carries the attestation and score.
type EMASSAttestation struct {
	Statement         string  `xml:"statement"`
	CompletenessScore float64 `xml:"completeness-score"`
}

// ExportEMASS renders the package as an eMASS XML document. The layout is
// fixed byte for byte: two-space indentation, LF line endings, CDATA for
// free text and data.
func ExportEMASS(pkg *EvidencePackage, schemaVersion string) ([]byte, error) {
	if schemaVersion == "" {
		schemaVersion = DefaultSchemaVersion
	}
	submitted := pkg.CollectionDate.UTC().Format(timeLayout)
	for _, field := range []string{pkg.SystemID(), pkg.PackageID, pkg.ControlFamily, pkg.ControlFamilyName} {
		if err := checkXMLText(field); err != nil {
			return nil, &errs.SerializationError{Format: string(FormatEMASS), Item: "metadata", Err: err}
		}
	}
	w := &xmlWriter{}
	w.line(0, `<?xml version="1.0" encoding="UTF-8"?>`)
	w.line(0, `<emass-package xmlns="https://emass.apps.mil/schema/`+escape(schemaVersion)+`" version="`+escape(schemaVersion)+`">`)

	w.line(1, "<metadata>")
	w.elem(2, "system-id", pkg.SystemID())
	w.elem(2, "package-id", pkg.PackageID)
	w.elem(2, "submission-date", submitted)
	w.elem(2, "control-family", pkg.ControlFamily)
	w.elem(2, "control-family-name", pkg.ControlFamilyName)
	w.line(1, "</metadata>")

	w.line(1, fmt.Sprintf(`<artifacts count="%d">`, len(pkg.Evidence)))
	for _, it := range pkg.Evidence {
		data, err := DataSummary(it.Data)
		if err != nil {
			return nil, &errs.SerializationError{Format: string(FormatEMASS), Item: it.EvidenceID, Err: err}
		}
		for _, field := range []string{it.EvidenceID, it.ControlID, it.EvidenceType, it.ResourceID, data} {
			if err := checkXMLText(field); err != nil {
				return nil, &errs.SerializationError{Format: string(FormatEMASS), Item: it.EvidenceID, Err: err}
			}
		}
		w.line(2, "<artifact>")
		w.elem(3, "artifact-id", it.EvidenceID)
		w.elem(3, "control-id", it.ControlID)
		w.elem(3, "artifact-type", it.EvidenceType)
		w.cdata(3, "resource-id", it.ResourceID)
		w.elem(3, "collection-date", it.CollectedAt.UTC().Format(timeLayout))
		w.cdata(3, "data", data)
		w.line(2, "</artifact>")
	}
	w.line(1, "</artifacts>")

	if err := checkXMLText(pkg.AttestationStatement); err != nil {
		return nil, &errs.SerializationError{Format: string(FormatEMASS), Item: "attestation", Err: err}
	}
	w.line(1, "<attestation>")
	w.cdata(2, "statement", pkg.AttestationStatement)
	w.elem(2, "completeness-score", strconv.FormatFloat(pkg.CompletenessScore, 'f', 2, 64))
	w.line(1, "</attestation>")
	w.line(0, "</emass-package>")
	return w.buf.Bytes(), nil
}

// ParseEMASS decodes a document produced by ExportEMASS.
func ParseEMASS(data []byte) (*EMASSDocument, error) {
	var doc EMASSDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &errs.SerializationError{Format: string(FormatEMASS), Err: fmt.Errorf("parse: %w", err)}
	}
	if doc.Artifacts.Count != len(doc.Artifacts.Items) {
		return nil, &errs.SerializationError{
			Format: string(FormatEMASS),
			Err:    fmt.Errorf("artifact count %d does not match %d artifact(s)", doc.Artifacts.Count, len(doc.Artifacts.Items)),
		}
	}
	return &doc, nil
}

type xmlWriter struct {
	buf bytes.Buffer
}

func (w *xmlWriter) line(depth int, s string) {
	w.buf.WriteString(strings.Repeat("  ", depth))
	w.buf.WriteString(s)
	w.buf.WriteByte('\n')
}

func (w *xmlWriter) elem(depth int, name, text string) {
	w.line(depth, "<"+name+">"+escape(text)+"</"+name+">")
}

func (w *xmlWriter) cdata(depth int, name, text string) {
	w.line(depth, "<"+name+">"+cdata(text)+"</"+name+">")
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// cdata wraps s in a CDATA section, splitting any "]]>" across sections.
// Parsers fold a raw CR into LF, so each CR is written as a character
// reference between sections.
func cdata(s string) string {
	s = strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>")
	s = strings.ReplaceAll(s, "\r", "]]>&#xD;<![CDATA[")
	return "<![CDATA[" + s + "]]>"
}

// checkXMLText rejects text that no XML 1.0 document can carry.
func checkXMLText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid UTF-8 in %q", s)
	}
	for _, r := range s {
		if !isXMLChar(r) {
			return fmt.Errorf("character %U is not allowed in XML", r)
		}
	}
	return nil
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}
