package tmcc

import (
	"encoding/xml"
	"unicode/utf8"

	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

// RSpec is the GENI manifest's topology description: every node in the
// experiment, keyed by client identifier for Node lookups.
type RSpec struct {
	XMLName xml.Name `xml:"rspec"`
	Nodes   []Node   `xml:"node"`
}

// Node is one experiment node in the manifest.
type Node struct {
	ClientID string `xml:"client_id,attr"`
	Host     Host   `xml:"host"`
}

// Host carries the canonical name and address the controller worker
// reports via UpdateCanonical.
type Host struct {
	Name string `xml:"name,attr"`
	IPv4 string `xml:"ipv4,attr"`
}

// GetNode looks up a node by its client identifier (the allocation
// nickname). A miss means the reservation has expired or never existed.
func (r *RSpec) GetNode(clientID string) (*Node, bool) {
	for i := range r.Nodes {
		if r.Nodes[i].ClientID == clientID {
			return &r.Nodes[i], true
		}
	}
	return nil, false
}

func parseManifest(payload []byte) (*RSpec, error) {
	if !utf8.Valid(payload) {
		return nil, &tmcderr.TmcdInvalidUtf8{}
	}

	var rspec RSpec
	if err := xml.Unmarshal(payload, &rspec); err != nil {
		return nil, &tmcderr.GeniParseError{Err: err}
	}
	return &rspec, nil
}
