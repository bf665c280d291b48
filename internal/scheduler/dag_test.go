package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func e(from, to string) Edge { return Edge{From: from, To: to} }

func TestBuildPlan(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		edges []Edge
		want  [][]string
	}{
		{
			name:  "diamond",
			nodes: []string{"A", "B", "C", "D"},
			edges: []Edge{e("A", "B"), e("A", "C"), e("B", "D"), e("C", "D")},
			want:  [][]string{{"A"}, {"B", "C"}, {"D"}},
		},
		{
			name:  "chain",
			nodes: []string{"A", "B", "C"},
			edges: []Edge{e("A", "B"), e("B", "C")},
			want:  [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name:  "independent nodes share one batch",
			nodes: []string{"C", "A", "B"},
			want:  [][]string{{"A", "B", "C"}},
		},
		{
			name:  "duplicate nodes and edges are tolerated",
			nodes: []string{"A", "B", "A"},
			edges: []Edge{e("A", "B"), e("A", "B")},
			want:  [][]string{{"A"}, {"B"}},
		},
		{
			name:  "empty graph",
			nodes: nil,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildPlan(tt.nodes, tt.edges)
			if err != nil {
				t.Fatalf("BuildPlan() error = %v", err)
			}
			if !reflect.DeepEqual(plan.Batches, tt.want) {
				t.Errorf("batches = %v, want %v", plan.Batches, tt.want)
			}
			if len(plan.Order) != plan.Len() {
				t.Errorf("order %v does not cover all %d nodes", plan.Order, plan.Len())
			}
			for _, id := range plan.Order {
				if _, ok := plan.BatchIndex(id); !ok {
					t.Errorf("order names %s, which is in no batch", id)
				}
			}
		})
	}
}

func TestBuildPlanCycle(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		edges []Edge
		want  []string
		cycle []string
	}{
		{
			name:  "two-node cycle",
			nodes: []string{"A", "B"},
			edges: []Edge{e("A", "B"), e("B", "A")},
			want:  []string{"A", "B"},
			cycle: []string{"A", "B", "A"},
		},
		{
			name:  "self loop",
			nodes: []string{"A"},
			edges: []Edge{e("A", "A")},
			want:  []string{"A"},
			cycle: []string{"A", "A"},
		},
		{
			name:  "cycle blocks its dependents too",
			nodes: []string{"root", "X", "Y", "Z"},
			edges: []Edge{e("root", "X"), e("X", "Y"), e("Y", "X"), e("Y", "Z")},
			want:  []string{"X", "Y", "Z"},
			cycle: []string{"X", "Y", "X"},
		},
		{
			name:  "dependent sorts before the cycle",
			nodes: []string{"A", "P", "Q", "R"},
			edges: []Edge{e("P", "Q"), e("Q", "R"), e("R", "P"), e("R", "A")},
			want:  []string{"A", "P", "Q", "R"},
			cycle: []string{"P", "Q", "R", "P"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildPlan(tt.nodes, tt.edges)
			var cycle *CycleError
			if !errors.As(err, &cycle) {
				t.Fatalf("expected *CycleError, got %v", err)
			}
			if !reflect.DeepEqual(cycle.Nodes, tt.want) {
				t.Errorf("cycle nodes = %v, want %v", cycle.Nodes, tt.want)
			}
			if !reflect.DeepEqual(cycle.Cycle, tt.cycle) {
				t.Errorf("cycle path = %v, want %v", cycle.Cycle, tt.cycle)
			}
			if !strings.Contains(err.Error(), "cycle") {
				t.Errorf("error %q should mention cycle", err)
			}
		})
	}
}

func TestBuildPlanUnknownNode(t *testing.T) {
	_, err := BuildPlan([]string{"A"}, []Edge{e("A", "ghost")})
	var unknown *UnknownNodeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownNodeError, got %v", err)
	}
	if unknown.Node != "ghost" {
		t.Errorf("node = %q, want ghost", unknown.Node)
	}
}

// Every node lands in exactly one batch and every edge points forward.
func TestBuildPlanCoverageAndOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(12)
		nodes := make([]string, n)
		for i := range nodes {
			nodes[i] = fmt.Sprintf("n%02d", i)
		}
		// Only forward edges keep the graph acyclic; shuffle node order afterwards.
		var edges []Edge
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.Float64() < 0.3 {
					edges = append(edges, e(nodes[i], nodes[j]))
				}
			}
		}
		rng.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

		plan, err := BuildPlan(nodes, edges)
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", iter, err)
		}

		count := make(map[string]int)
		for _, batch := range plan.Batches {
			for _, id := range batch {
				count[id]++
			}
		}
		for _, id := range nodes {
			if count[id] != 1 {
				t.Fatalf("iteration %d: node %s appears %d times", iter, id, count[id])
			}
		}
		if plan.Len() != n {
			t.Fatalf("iteration %d: plan.Len() = %d, want %d", iter, plan.Len(), n)
		}

		for _, edge := range edges {
			from, _ := plan.BatchIndex(edge.From)
			to, _ := plan.BatchIndex(edge.To)
			if from >= to {
				t.Fatalf("iteration %d: edge %s->%s not ordered (%d >= %d)", iter, edge.From, edge.To, from, to)
			}
		}

		order, err := Order(nodes, edges)
		if err != nil {
			t.Fatalf("iteration %d: Order() error = %v", iter, err)
		}
		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		for _, edge := range edges {
			if pos[edge.From] >= pos[edge.To] {
				t.Fatalf("iteration %d: Order() puts %s after %s", iter, edge.From, edge.To)
			}
		}
	}
}

func TestOrderCycle(t *testing.T) {
	_, err := Order([]string{"A", "B", "C"}, []Edge{e("A", "B"), e("B", "C"), e("C", "B")})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *CycleError, got %v", err)
	}
	if !reflect.DeepEqual(cycle.Nodes, []string{"B", "C"}) {
		t.Errorf("cycle nodes = %v, want [B C]", cycle.Nodes)
	}
}

func TestDownstream(t *testing.T) {
	edges := []Edge{e("A", "B"), e("A", "C"), e("B", "D"), e("C", "D"), e("D", "E")}

	tests := []struct {
		roots []string
		want  []string
	}{
		{[]string{"B"}, []string{"D", "E"}},
		{[]string{"A"}, []string{"B", "C", "D", "E"}},
		{[]string{"E"}, []string{}},
		{[]string{"B", "D"}, []string{"E"}},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.roots, ","), func(t *testing.T) {
			got := Downstream(edges, tt.roots...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Downstream(%v) = %v, want %v", tt.roots, got, tt.want)
			}
		})
	}
}

func TestPlanRestrict(t *testing.T) {
	plan, err := BuildPlan([]string{"A", "B", "C", "D"}, []Edge{e("A", "B"), e("A", "C"), e("B", "D"), e("C", "D")})
	if err != nil {
		t.Fatal(err)
	}

	sub := plan.Restrict(map[string]bool{"C": true, "D": true})
	want := [][]string{{"C"}, {"D"}}
	if !reflect.DeepEqual(sub.Batches, want) {
		t.Errorf("restricted batches = %v, want %v", sub.Batches, want)
	}
	if !reflect.DeepEqual(sub.Order, []string{"C", "D"}) {
		t.Errorf("restricted order = %v, want [C D]", sub.Order)
	}
	if _, ok := sub.BatchIndex("A"); ok {
		t.Error("restricted plan should not contain A")
	}
	if !reflect.DeepEqual(plan.Last(), []string{"D"}) {
		t.Errorf("Last() = %v, want [D]", plan.Last())
	}
	if !reflect.DeepEqual(plan.Nodes(), []string{"A", "B", "C", "D"}) {
		t.Errorf("Nodes() = %v", plan.Nodes())
	}
}
