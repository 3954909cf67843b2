package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	tests := []struct {
		in   string
		want EntityType
		ok   bool
	}{
		{"repository", EntityRepository, true},
		{"repos", EntityRepository, true},
		{"Repositories", EntityRepository, true},
		{"tech", EntityTechnology, true},
		{"technologies", EntityTechnology, true},
		{"task", EntityTask, true},
		{"research_tasks", EntityTask, true},
		{" project ", EntityProject, true},
		{"docs", EntityDocument, true},
		{"widget", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseEntityType(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		if ok {
			assert.Equal(t, tt.want, got, "input %q", tt.in)
		}
	}
}

func TestNodeID_RoundTrip(t *testing.T) {
	id := NodeID(EntityRepository, "lattice-api")
	assert.Equal(t, "repository:lattice-api", id)

	et, entityID, ok := SplitNodeID(id)
	require.True(t, ok)
	assert.Equal(t, EntityRepository, et)
	assert.Equal(t, "lattice-api", entityID)
}

func TestSplitNodeID_Invalid(t *testing.T) {
	for _, in := range []string{"", "repository", "widget:x", "repository:"} {
		_, _, ok := SplitNodeID(in)
		assert.False(t, ok, "input %q", in)
	}
}

func TestSplitNodeID_EntityIDWithColon(t *testing.T) {
	// Entity ids may themselves contain colons; only the first splits.
	et, entityID, ok := SplitNodeID("symbol:pkg/fmt:Println")
	require.True(t, ok)
	assert.Equal(t, EntitySymbol, et)
	assert.Equal(t, "pkg/fmt:Println", entityID)
}

func TestNode_Validate(t *testing.T) {
	valid := NewNode(EntityTechnology, "go", "platform", "Go")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Node)
	}{
		{"unknown type", func(n *Node) { n.EntityType = "widget" }},
		{"empty entity id", func(n *Node) { n.EntityID = "" }},
		{"bad entity id", func(n *Node) { n.EntityID = "has space" }},
		{"bad project id", func(n *Node) { n.ProjectID = "has.dot" }},
		{"mismatched id", func(n *Node) { n.ID = "technology:other" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNode(EntityTechnology, "go", "platform", "Go")
			tt.mutate(n)
			assert.Error(t, n.Validate())
		})
	}
}

func TestEdgeType_Federation(t *testing.T) {
	assert.True(t, EdgeUses.Valid())
	assert.False(t, EdgeUses.IsFederation())

	fed := FederationEdgeType("pairs_with")
	assert.Equal(t, EdgeType("federation:pairs_with"), fed)
	assert.True(t, fed.Valid())
	assert.True(t, fed.IsFederation())

	assert.False(t, EdgeType("federation:").Valid())
	assert.False(t, EdgeType("ships_with").Valid())
}

func TestEdge_Validate(t *testing.T) {
	w := 0.8
	edge := &Edge{
		From:      "repository:api",
		To:        "technology:go",
		Type:      EdgeUses,
		Weight:    &w,
		ProjectID: "platform",
	}
	require.NoError(t, edge.Validate())

	bad := *edge
	bad.From = "not-a-node-id"
	assert.Error(t, bad.Validate())

	bad = *edge
	bad.Type = "ships_with"
	assert.Error(t, bad.Validate())

	neg := -0.1
	bad = *edge
	bad.Weight = &neg
	assert.Error(t, bad.Validate())
}

func TestEdge_KeyIdentity(t *testing.T) {
	a := &Edge{From: "repository:api", To: "technology:go", Type: EdgeUses}
	b := &Edge{From: "repository:api", To: "technology:go", Type: EdgeUses}
	c := &Edge{From: "technology:go", To: "repository:api", Type: EdgeUses}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key(), "direction is part of identity")
	assert.Equal(t, a.Key(), a.Ref().Key())
}

func TestNode_CloneIsolation(t *testing.T) {
	n := NewNode(EntityRepository, "api", "platform", "API")
	n.Metadata = map[string]any{"stars": 42}

	clone := n.Clone()
	clone.Metadata["stars"] = 7
	clone.Label = "changed"

	assert.Equal(t, 42, n.Metadata["stars"])
	assert.Equal(t, "API", n.Label)
}
