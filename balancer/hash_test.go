package balancer

import "testing"

func TestChashVectors(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"", 3164544308},
		{"123", 4219602657},
		{"1234567", 897539970},
		{"abc", 2237464879},
		{"abcdefg", 2383090994},
		{"123abc", 2851751921},
		{"abc123", 4002724297},
		{"realm", 885396906},
		{"1 realm", 4115282535},
		{"2 realm", 1326782105},
		{"3 realm", 1796078392},
		{"10 realm", 2265248424},
		{"100 realm", 4289654351},
	}

	for _, c := range cases {
		if got := chash([]byte(c.in)); got != c.want {
			t.Errorf("chash(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestReplicaRatio(t *testing.T) {
	cases := []struct {
		weights []uint8
		want    uint8
	}{
		{[]uint8{1}, 128},
		{[]uint8{1, 1, 2}, 64},
		{[]uint8{1, 1, 2, 2, 3}, 43},
		{[]uint8{1, 1, 2, 2, 3, 3, 4}, 32},
		{[]uint8{1, 1, 2, 2, 3, 3, 4, 4, 5}, 26},
		{[]uint8{1, 1, 2, 2, 3, 3, 4, 4, 5, 10}, 13},
		{[]uint8{1, 1, 2, 2, 3, 3, 4, 4, 5, 10, 20}, 7},
		{[]uint8{1, 1, 2, 2, 3, 3, 4, 4, 5, 10, 20, 30}, 5},
		{[]uint8{1, 1, 2, 2, 3, 3, 4, 4, 5, 10, 20, 30, 50}, 3},
		{[]uint8{1, 1, 2, 2, 3, 3, 4, 4, 5, 10, 20, 30, 50, 100}, 2},
		{[]uint8{1, 2, 3, 4, 128}, 1},
		{[]uint8{1, 2, 3, 4, 200}, 1},
		{[]uint8{1, 2, 3, 4, 255}, 1},
	}

	for _, c := range cases {
		if got := replicaRatio(c.weights); got != c.want {
			t.Errorf("replicaRatio(%v) = %d, want %d", c.weights, got, c.want)
		}
	}
}
