package reporting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rawblock/intel-engine/pkg/models"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatGraphML Format = "graphml"
	FormatD3      Format = "d3" // force-directed node/link JSON
)

const (
	ContentTypeCSV     = "text/csv; charset=utf-8"
	ContentTypeJSON    = "application/json; charset=utf-8"
	ContentTypeGraphML = "application/graphml+xml; charset=utf-8"
)

// CSVColumns is the fixed export column order.
var CSVColumns = []string{
	"address", "crypto_type", "category", "risk_score",
	"balance", "transaction_count", "first_seen", "source_url",
}

// ParseFormat resolves a query value to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatGraphML, FormatD3:
		return f, nil
	case "":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", models.ErrInput, s)
	}
}

// IsGraph reports whether f encodes the relationship graph rather than an
// address list.
func (f Format) IsGraph() bool {
	return f == FormatGraphML || f == FormatD3
}

// ExportGraph encodes g in one of the graph formats.
func ExportGraph(g models.Graph, format Format) ([]byte, string, error) {
	switch format {
	case FormatGraphML:
		b, err := exportGraphML(g)
		return b, ContentTypeGraphML, err
	case FormatD3:
		b, err := exportD3(g)
		return b, ContentTypeJSON, err
	default:
		return nil, "", fmt.Errorf("%w: unsupported graph export format %q", models.ErrInput, format)
	}
}

// Export encodes addrs as CSV or JSON. Output depends only on the input order
// and content. Graph formats go through ExportGraph.
func Export(addrs []models.Address, format Format) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		return exportCSV(addrs), ContentTypeCSV, nil
	case FormatJSON:
		b, err := exportJSON(addrs)
		return b, ContentTypeJSON, err
	default:
		return nil, "", fmt.Errorf("%w: unsupported address export format %q", models.ErrInput, format)
	}
}

// exportCSV quotes every field unconditionally. encoding/csv only quotes
// when needed, so rows are written by hand.
func exportCSV(addrs []models.Address) []byte {
	var buf bytes.Buffer
	writeCSVRow(&buf, CSVColumns)
	for _, a := range addrs {
		writeCSVRow(&buf, csvRecord(a))
	}
	return buf.Bytes()
}

func csvRecord(a models.Address) []string {
	balance := ""
	if a.Balance != nil {
		balance = strconv.FormatFloat(*a.Balance, 'f', -1, 64)
	}
	firstSeen := ""
	if !a.FirstSeen.IsZero() {
		firstSeen = a.FirstSeen.UTC().Format(time.RFC3339)
	}
	return []string{
		a.Address,
		string(a.CryptoType),
		string(a.Category),
		strconv.Itoa(a.RiskScore),
		balance,
		strconv.Itoa(a.TransactionCount),
		firstSeen,
		a.SourceURL,
	}
}

func writeCSVRow(buf *bytes.Buffer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strings.ReplaceAll(f, `"`, `""`))
		buf.WriteByte('"')
	}
	buf.WriteString("\r\n")
}

func exportJSON(addrs []models.Address) ([]byte, error) {
	if addrs == nil {
		addrs = []models.Address{}
	}
	b, err := json.MarshalIndent(addrs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return append(b, '\n'), nil
}
