package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirrorstage/simdeck/internal/domain"
)

func TestClientAdvance(t *testing.T) {
	var gotPath, gotMethod string
	var gotReq advanceRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"child_id":"node_42"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	childID, err := client.Advance(ctx, "sim-1", "node_7", 3)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if childID != "node_42" {
		t.Fatalf("unexpected child id: %s", childID)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("unexpected method: %s", gotMethod)
	}
	if gotPath != "/v1/simulations/sim-1/nodes/node_7/advance" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotReq.Steps != 3 {
		t.Fatalf("unexpected steps: %d", gotReq.Steps)
	}
}

func TestClientDeleteSubtree(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/v1/simulations/sim-1/nodes/node_7" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	if err := client.DeleteSubtree(context.Background(), "sim-1", "node_7"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
}

func TestClientGetGraph(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/simulations/sim-1/graph" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"nodes": [
				{"id": "node_1", "label": "root"},
				{"id": "node_2", "label": "round 1"}
			],
			"edges": [{"from": "node_1", "to": "node_2"}],
			"root": "node_1",
			"running_ids": ["node_2"]
		}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	g, err := client.GetGraph(context.Background(), "sim-1")
	if err != nil {
		t.Fatalf("get graph failed: %v", err)
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("unexpected graph: %+v", g)
	}
	if g.Root != "node_1" {
		t.Fatalf("unexpected root: %s", g.Root)
	}
	if len(g.RunningIDs) != 1 || g.RunningIDs[0] != "node_2" {
		t.Fatalf("unexpected running ids: %v", g.RunningIDs)
	}
}

func TestClientGetEventsPreservesRawOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"type":"text","data":{"text":"one"}},{"type":"error","data":{"error_type":"timeout"}}]`)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	events, err := client.GetEvents(context.Background(), "sim-1", "node_1")
	if err != nil {
		t.Fatalf("get events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !strings.Contains(string(events[0]), `"one"`) {
		t.Fatalf("unexpected first event: %s", events[0])
	}
}

func TestClientCreateAndRunExperiment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/simulations/sim-1/experiments":
			var req createExperimentRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("failed to decode request: %v", err)
			}
			if req.BaseNodeID != "node_3" || len(req.Variants) != 2 {
				t.Fatalf("unexpected request: %+v", req)
			}
			fmt.Fprint(w, `{"experiment_id":"exp_9"}`)
		case "/v1/simulations/sim-1/experiments/exp_9/run":
			fmt.Fprint(w, `{"run_id":"run_1","node_mapping":{"0":"node_10"}}`)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	variants := []domain.Variant{
		{VariantID: "v0", Name: "calm", Prompt: "lower the tension"},
		{VariantID: "v1", Name: "chaos", Prompt: "raise the tension"},
	}
	expID, err := client.CreateExperiment(context.Background(), "sim-1", "tension sweep", "node_3", variants)
	if err != nil {
		t.Fatalf("create experiment failed: %v", err)
	}
	if expID != "exp_9" {
		t.Fatalf("unexpected experiment id: %s", expID)
	}

	result, err := client.RunExperiment(context.Background(), "sim-1", expID, 5)
	if err != nil {
		t.Fatalf("run experiment failed: %v", err)
	}
	if result.RunID != "run_1" {
		t.Fatalf("unexpected run id: %s", result.RunID)
	}
	if result.NodeMapping[0] != "node_10" {
		t.Fatalf("unexpected mapping: %v", result.NodeMapping)
	}
}

func TestClientErrorStatusIncludesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"node is running"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	_, err := client.Advance(context.Background(), "sim-1", "node_1", 1)
	if err == nil {
		t.Fatalf("expected error for conflict status")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "node is running") {
		t.Fatalf("error should carry status and body: %v", err)
	}
}
