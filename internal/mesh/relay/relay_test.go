package relay

import "testing"

// TestTwoHopPath builds A - B - C, where A and C have no direct link,
// and checks A routes to C via B.
func TestTwoHopPath(t *testing.T) {
	a := New("A")
	a.SetDirectPeer("B", 1)
	a.Ingest("B", map[string]int64{"A": 1, "C": 1})
	a.Ingest("C", map[string]int64{"B": 1})
	a.Recompute()

	hop, ok := a.NextHop("C")
	if !ok {
		t.Fatal("expected a route to C")
	}
	if hop != "B" {
		t.Fatalf("expected next hop B, got %s", hop)
	}
}

func TestNoRouteToUnknownNode(t *testing.T) {
	a := New("A")
	a.SetDirectPeer("B", 1)
	a.Recompute()

	if _, ok := a.NextHop("Z"); ok {
		t.Fatal("expected no route to an unseen node")
	}
}

func TestPrefersCheaperPath(t *testing.T) {
	a := New("A")
	a.SetDirectPeer("B", 1)
	a.SetDirectPeer("C", 10)
	a.Ingest("B", map[string]int64{"A": 1, "D": 1})
	a.Ingest("C", map[string]int64{"A": 10, "D": 1})
	a.Ingest("D", map[string]int64{"B": 1, "C": 1})
	a.Recompute()

	hop, ok := a.NextHop("D")
	if !ok {
		t.Fatal("expected a route to D")
	}
	if hop != "B" {
		t.Fatalf("expected the cheaper path via B, got %s", hop)
	}
}

func TestRemoveDirectPeerDropsRoute(t *testing.T) {
	a := New("A")
	a.SetDirectPeer("B", 1)
	a.Ingest("B", map[string]int64{"A": 1, "C": 1})
	a.Ingest("C", map[string]int64{"B": 1})
	a.Recompute()

	a.RemoveDirectPeer("B")
	a.Recompute()

	if _, ok := a.NextHop("C"); ok {
		t.Fatal("expected route to C to disappear once B is unreachable")
	}
}
