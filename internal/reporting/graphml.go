package reporting

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/rawblock/intel-engine/pkg/models"
)

type graphMLDoc struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []graphMLKey `xml:"key"`
	Graph   graphMLGraph `xml:"graph"`
}

type graphMLKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type graphMLGraph struct {
	ID          string        `xml:"id,attr"`
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []graphMLNode `xml:"node"`
	Edges       []graphMLEdge `xml:"edge"`
}

type graphMLNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphMLData `xml:"data"`
}

type graphMLEdge struct {
	ID     string        `xml:"id,attr"`
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphMLData `xml:"data"`
}

type graphMLData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

var graphMLKeys = []graphMLKey{
	{ID: "label", For: "node", AttrName: "label", AttrType: "string"},
	{ID: "risk_score", For: "node", AttrName: "risk_score", AttrType: "int"},
	{ID: "category", For: "node", AttrName: "category", AttrType: "string"},
	{ID: "cluster_id", For: "node", AttrName: "cluster_id", AttrType: "string"},
	{ID: "reason", For: "edge", AttrName: "reason", AttrType: "string"},
	{ID: "weight", For: "edge", AttrName: "weight", AttrType: "int"},
}

// exportGraphML renders g as undirected GraphML.
func exportGraphML(g models.Graph) ([]byte, error) {
	doc := graphMLDoc{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys:  graphMLKeys,
		Graph: graphMLGraph{ID: "addresses", EdgeDefault: "undirected"},
	}
	for _, n := range g.Nodes {
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphMLNode{
			ID: n.ID,
			Data: []graphMLData{
				{Key: "label", Value: n.Label},
				{Key: "risk_score", Value: strconv.Itoa(n.RiskScore)},
				{Key: "category", Value: string(n.Category)},
				{Key: "cluster_id", Value: n.ClusterID},
			},
		})
	}
	for i, e := range g.Edges {
		doc.Graph.Edges = append(doc.Graph.Edges, graphMLEdge{
			ID:     "e" + strconv.Itoa(i),
			Source: e.Source,
			Target: e.Target,
			Data: []graphMLData{
				{Key: "reason", Value: string(e.Reason)},
				{Key: "weight", Value: strconv.Itoa(e.Weight)},
			},
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode graphml: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
