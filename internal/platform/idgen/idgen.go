// Package idgen issues bill numbers from a snowflake node. Numbers are
// time-ordered and unique across nodes as long as each process is started
// with its own node id.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

const (
	DraftPrefix   = "DRAFT-"
	InvoicePrefix = "INV-"
)

// Generator produces draft and issued bill numbers.
type Generator struct {
	node *snowflake.Node
}

// New returns a Generator for the given node id (0-1023).
func New(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// DraftNumber is the placeholder number a bill carries until it is issued.
func (g *Generator) DraftNumber() string {
	return DraftPrefix + g.node.Generate().String()
}

// InvoiceNumber is the permanent number assigned at issue time.
func (g *Generator) InvoiceNumber() string {
	return InvoicePrefix + g.node.Generate().String()
}
