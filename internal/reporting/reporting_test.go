package reporting

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/intel-engine/pkg/models"
)

var reportNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ptrFloat(v float64) *float64 { return &v }

func TestAggregate_Empty(t *testing.T) {
	stats := Aggregate(nil, reportNow)
	assert.Zero(t, stats.TotalAddresses)
	assert.Zero(t, stats.HighRiskAddresses)
	assert.Zero(t, stats.WatchedAddresses)
	assert.Zero(t, stats.RecentActivity)
	require.NotNil(t, stats.AddressesByCrypto)
	require.NotNil(t, stats.AddressesByCategory)
	assert.Empty(t, stats.AddressesByCrypto)
	assert.Empty(t, stats.AddressesByCategory)

	b, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"addresses_by_crypto":{}`)
}

func TestAggregate_Counts(t *testing.T) {
	addrs := []models.Address{
		{CryptoType: models.CryptoBTC, Category: models.CategoryDarknetMarket, RiskScore: 71, IsWatched: true, LastUpdated: reportNow.Add(-time.Hour)},
		{CryptoType: models.CryptoBTC, Category: models.CategoryScam, RiskScore: 70, LastUpdated: reportNow.Add(-25 * time.Hour)},
		{CryptoType: models.CryptoETH, RiskScore: 95, IsWatched: true},
	}
	stats := Aggregate(addrs, reportNow)

	assert.Equal(t, 3, stats.TotalAddresses)
	assert.Equal(t, 2, stats.HighRiskAddresses, "70 is not high risk")
	assert.Equal(t, 2, stats.WatchedAddresses)
	assert.Equal(t, 1, stats.RecentActivity)
	assert.Equal(t, map[string]int{"BTC": 2, "ETH": 1}, stats.AddressesByCrypto)
	assert.Equal(t, 1, stats.AddressesByCategory[string(models.CategoryUnassigned)])
}

func TestExportCSV_RoundTripsAwkwardFields(t *testing.T) {
	first := time.Date(2021, 3, 1, 10, 0, 0, 0, time.UTC)
	addrs := []models.Address{
		{
			Address:          "1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
			CryptoType:       models.CryptoBTC,
			Category:         models.CategoryScam,
			RiskScore:        42,
			Balance:          ptrFloat(1.25),
			TransactionCount: 7,
			FirstSeen:        first,
			SourceURL:        `http://forum.example/t?a=1,b="two"`,
		},
		{Address: "0xabc", CryptoType: models.CryptoETH},
	}

	out, ctype, err := Export(addrs, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeCSV, ctype)

	lines := strings.Split(strings.TrimRight(string(out), "\r\n"), "\r\n")
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, `"`) && strings.HasSuffix(l, `"`), "every field must be quoted: %s", l)
	}

	records, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, CSVColumns, records[0])
	assert.Equal(t, []string{
		"1BoatSLRHtKNngkdXEeobR76b53LETtpyT", "BTC", "scam", "42", "1.25", "7",
		"2021-03-01T10:00:00Z", `http://forum.example/t?a=1,b="two"`,
	}, records[1])
	assert.Equal(t, "", records[2][4], "missing balance renders empty")
	assert.Equal(t, "", records[2][6], "missing first_seen renders empty")
}

func TestExportJSON(t *testing.T) {
	out, ctype, err := Export(nil, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, ctype)
	assert.Equal(t, "[]\n", string(out))

	addrs := []models.Address{{ID: "a-1", Address: "x", CryptoType: models.CryptoLTC, RiskScore: 10}}
	first, _, err := Export(addrs, FormatJSON)
	require.NoError(t, err)
	second, _, _ := Export(addrs, FormatJSON)
	assert.Equal(t, first, second)
	assert.Contains(t, string(first), "\n  {\n")

	var back []models.Address
	require.NoError(t, json.Unmarshal(first, &back))
	assert.Equal(t, "a-1", back[0].ID)
}

func TestExport_UnknownFormat(t *testing.T) {
	_, err := ParseFormat("xlsx")
	assert.True(t, errors.Is(err, models.ErrInput))

	_, _, err = Export(nil, FormatGraphML)
	assert.True(t, errors.Is(err, models.ErrInput))

	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
}

func TestExportGraph(t *testing.T) {
	g := models.Graph{
		Nodes: []models.GraphNode{
			{ID: "a", Label: "1Boat...", RiskScore: 80, Category: models.CategoryMixer, ClusterID: "cl_x"},
			{ID: "b", Label: "3J98t...", RiskScore: 10, ClusterID: "cl_x"},
		},
		Edges: []models.GraphEdge{{Source: "a", Target: "b", Weight: 2, Reason: models.ReasonSharedTag}},
	}
	out, ctype, err := ExportGraph(g, FormatGraphML)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeGraphML, ctype)

	var doc graphMLDoc
	require.NoError(t, xml.Unmarshal(out, &doc))
	require.Len(t, doc.Graph.Nodes, 2)
	require.Len(t, doc.Graph.Edges, 1)
	assert.Equal(t, "undirected", doc.Graph.EdgeDefault)
	assert.Equal(t, "a", doc.Graph.Edges[0].Source)
	assert.Equal(t, "shared_tag", doc.Graph.Edges[0].Data[0].Value)
}

func TestExportGraph_D3(t *testing.T) {
	g := models.Graph{
		Nodes: []models.GraphNode{
			{ID: "a", Label: "1Boat...", RiskScore: 80, Category: models.CategoryMixer, ClusterID: "cl_x"},
			{ID: "b", Label: "3J98t...", RiskScore: 10, ClusterID: "cl_x"},
		},
		Edges: []models.GraphEdge{{Source: "a", Target: "b", Weight: 2, Reason: models.ReasonSharedTag}},
	}
	f, err := ParseFormat("D3")
	require.NoError(t, err)
	require.True(t, f.IsGraph())

	out, ctype, err := ExportGraph(g, f)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, ctype)

	var doc struct {
		Nodes []map[string]any `json:"nodes"`
		Links []map[string]any `json:"links"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Len(t, doc.Nodes, 2)
	require.Len(t, doc.Links, 1)
	assert.Equal(t, "cl_x", doc.Nodes[0]["group"])
	assert.Equal(t, float64(80), doc.Nodes[0]["risk_score"])
	assert.Equal(t, "a", doc.Links[0]["source"])
	assert.Equal(t, float64(2), doc.Links[0]["value"])
	assert.Equal(t, "shared_tag", doc.Links[0]["reason"])

	_, _, err = ExportGraph(g, FormatCSV)
	assert.True(t, errors.Is(err, models.ErrInput))
}
