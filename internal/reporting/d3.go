package reporting

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/intel-engine/pkg/models"
)

// d3Graph is the nodes/links shape d3-force consumes directly.
type d3Graph struct {
	Nodes []d3Node `json:"nodes"`
	Links []d3Link `json:"links"`
}

type d3Node struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	RiskScore int             `json:"risk_score"`
	Category  models.Category `json:"category"`
	Group     string          `json:"group"`
	Stub      bool            `json:"stub,omitempty"`
}

type d3Link struct {
	Source string            `json:"source"`
	Target string            `json:"target"`
	Value  int               `json:"value"`
	Reason models.EdgeReason `json:"reason"`
}

func exportD3(g models.Graph) ([]byte, error) {
	doc := d3Graph{
		Nodes: make([]d3Node, 0, len(g.Nodes)),
		Links: make([]d3Link, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		doc.Nodes = append(doc.Nodes, d3Node{
			ID:        n.ID,
			Label:     n.Label,
			RiskScore: n.RiskScore,
			Category:  n.Category,
			Group:     n.ClusterID,
			Stub:      n.Stub,
		})
	}
	for _, e := range g.Edges {
		doc.Links = append(doc.Links, d3Link{Source: e.Source, Target: e.Target, Value: e.Weight, Reason: e.Reason})
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode d3 graph: %w", err)
	}
	return append(b, '\n'), nil
}
