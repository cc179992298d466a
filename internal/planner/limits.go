package planner

import (
	"fmt"
)

// PlanLimits defines cost limits applied during planning.
type PlanLimits struct {
	// MaxDepth bounds prefetch nesting below the root.
	MaxDepth int
	// MaxStatements bounds the statements one request may issue.
	MaxStatements int
}

// PlanCost captures estimated cost for a plan.
type PlanCost struct {
	Depth      int
	Statements int
}

// EstimateCost walks a plan. The root statement counts once, every prefetch
// adds one statement.
func EstimateCost(root *Node) PlanCost {
	if root == nil {
		return PlanCost{}
	}
	return PlanCost{
		Depth:      nodeDepth(root, 0),
		Statements: countStatements(root),
	}
}

func validateLimits(cost PlanCost, limits PlanLimits) error {
	if limits.MaxDepth > 0 && cost.Depth > limits.MaxDepth {
		return fmt.Errorf("query exceeds maximum depth of %d (depth: %d)", limits.MaxDepth, cost.Depth)
	}
	if limits.MaxStatements > 0 && cost.Statements > limits.MaxStatements {
		return fmt.Errorf("query exceeds maximum statement count of %d (estimated: %d)", limits.MaxStatements, cost.Statements)
	}
	return nil
}

func nodeDepth(n *Node, current int) int {
	deepest := current
	for _, child := range n.Prefetches {
		if d := nodeDepth(child, current+1); d > deepest {
			deepest = d
		}
	}
	return deepest
}

func countStatements(n *Node) int {
	total := 1
	for _, child := range n.Prefetches {
		total += countStatements(child)
	}
	return total
}
