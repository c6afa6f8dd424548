package benchmarks

import (
	"testing"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/entitycache/graphjson/graph/core"
)

type benchAddress struct {
	Street string
	City   string
	Zip    string
}

type benchUser struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
	Tags      []string
	Addresses []benchAddress
}

func newBenchUser() benchUser {
	return benchUser{
		ID:        "user-123",
		Name:      "Benchmark",
		Email:     "benchmark@example.com",
		CreatedAt: time.Now().UTC(),
		Tags:      []string{"alpha", "beta", "gamma"},
		Addresses: []benchAddress{{Street: "1 Main", City: "Benchville", Zip: "12345"}, {Street: "2 Side", City: "Benchville", Zip: "67890"}},
	}
}

type benchNode struct {
	ID       int
	Parent   *benchNode
	Children []*benchNode
	Peer     *benchNode
}

// newBenchTree builds a tree with parent back-references and peer links
// between siblings, so most nodes are reached more than once.
func newBenchTree(depth, fanout int) *benchNode {
	next := 0
	var build func(parent *benchNode, level int) *benchNode
	build = func(parent *benchNode, level int) *benchNode {
		next++
		n := &benchNode{ID: next, Parent: parent}
		if level == depth {
			return n
		}
		for i := 0; i < fanout; i++ {
			n.Children = append(n.Children, build(n, level+1))
		}
		for i, c := range n.Children {
			c.Peer = n.Children[(i+1)%len(n.Children)]
		}
		return n
	}
	return build(nil, 0)
}

func BenchmarkGraphSerializerMarshal(b *testing.B) {
	serializer := core.New()
	user := newBenchUser()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := serializer.Marshal(&user); err != nil {
			b.Fatalf("marshal error: %v", err)
		}
	}
}

func BenchmarkGoJSONMarshal(b *testing.B) {
	user := newBenchUser()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := gojson.Marshal(&user); err != nil {
			b.Fatalf("marshal error: %v", err)
		}
	}
}

func BenchmarkGraphSerializerUnmarshal(b *testing.B) {
	serializer := core.New()
	user := newBenchUser()
	data, err := serializer.Marshal(&user)
	if err != nil {
		b.Fatalf("marshal error: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var target benchUser
		if err := serializer.Unmarshal(data, &target); err != nil {
			b.Fatalf("unmarshal error: %v", err)
		}
	}
}

func BenchmarkCyclicGraphMarshal(b *testing.B) {
	serializer := core.New()
	root := newBenchTree(4, 4)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := serializer.Marshal(root); err != nil {
			b.Fatalf("marshal error: %v", err)
		}
	}
}

func BenchmarkCyclicGraphUnmarshal(b *testing.B) {
	root := newBenchTree(4, 4)
	data, err := core.New().Marshal(root)
	if err != nil {
		b.Fatalf("marshal error: %v", err)
	}

	for _, mode := range []core.MetadataHandling{core.MetadataDefault, core.MetadataReadAhead} {
		serializer := core.New(core.WithMetadataHandling(mode))
		b.Run(mode.String(), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				var target benchNode
				if err := serializer.Unmarshal(data, &target); err != nil {
					b.Fatalf("unmarshal error: %v", err)
				}
			}
		})
	}
}
