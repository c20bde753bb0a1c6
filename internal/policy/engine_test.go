package policy

import (
	"context"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func TestDefaultPolicyAllowsOrdinaryOps(t *testing.T) {
	e := newTestEngine(t)

	cases := []OpInput{
		{Op: "advance", NodeID: "node_5", Mode: "remote"},
		{Op: "advance", NodeID: "node_1", IsRoot: true, Mode: "remote"},
		{Op: "branch", NodeID: "node_5", Mode: "remote"},
		{Op: "delete", NodeID: "local-3", Mode: "local"},
	}
	for _, in := range cases {
		decision, err := e.Evaluate(context.Background(), in)
		if err != nil {
			t.Fatalf("evaluate failed for %+v: %v", in, err)
		}
		if decision != DecisionAllow {
			t.Fatalf("expected allow for %+v, got %s", in, decision)
		}
	}
}

func TestDefaultPolicyBlocksRootDeleteAndBranch(t *testing.T) {
	e := newTestEngine(t)

	for _, op := range []string{"delete", "branch"} {
		decision, err := e.Evaluate(context.Background(), OpInput{
			Op: op, NodeID: "node_1", IsRoot: true, Mode: "remote",
		})
		if err != nil {
			t.Fatalf("evaluate failed for %s: %v", op, err)
		}
		if decision != DecisionBlock {
			t.Fatalf("expected block for root %s, got %s", op, decision)
		}
	}
}

func TestDefaultPolicyBlocksLocalIDOnRemote(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.Evaluate(context.Background(), OpInput{
		Op: "advance", NodeID: "local-7", Mode: "remote",
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decision != DecisionBlock {
		t.Fatalf("expected block, got %s", decision)
	}
}
