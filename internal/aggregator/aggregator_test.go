package aggregator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootAlwaysPresent(t *testing.T) {
	a := New("Example.com", KindHost)
	snap := a.Snapshot()
	assert.Equal(t, map[string][]string{"example.com": {"root"}}, snap)

	got := Merge("example.com", nil)
	assert.Equal(t, []string{SourceRoot}, got["example.com"])
}

func TestMergeIsIdempotent(t *testing.T) {
	records := []Record{
		{Key: "www.example.com", Source: "crt.sh"},
		{Key: "api.example.com", Source: "crt.sh"},
		{Key: "WWW.example.com", Source: "crt.sh"},
	}

	once := New("example.com", KindHost)
	once.Merge(records)

	twice := New("example.com", KindHost)
	twice.Merge(records)
	twice.Merge(records)

	assert.Equal(t, once.Snapshot(), twice.Snapshot())
	assert.Equal(t, 3, once.Len())
}

func TestMergeIsCommutative(t *testing.T) {
	a := []Record{{Key: "www.example.com", Source: "crt.sh"}, {Key: "dev.example.com", Source: "crt.sh"}}
	b := []Record{{Key: "www.example.com", Source: "bruteforce"}}
	c := []Record{{Key: "https://www.example.com/index", Source: "wayback_urls"}, {Key: "shop.example.com", Source: "wayback_urls"}}

	left := New("example.com", KindHost)
	left.Merge(a)
	left.Merge(b)
	left.Merge(c)

	right := New("example.com", KindHost)
	right.Merge(c)
	right.Merge(b)
	right.Merge(a)

	assert.Equal(t, left.Snapshot(), right.Snapshot())
	assert.Equal(t, []string{"bruteforce", "crt.sh", "wayback_urls"}, left.Snapshot()["www.example.com"])
}

func TestConcurrentSourcesScenario(t *testing.T) {
	agg := New("example.com", KindHost)

	var wg sync.WaitGroup
	for _, src := range []string{"crt.sh", "wayback"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				agg.Add("www.example.com", src)
			}
		}(src)
	}
	wg.Wait()

	snap := agg.Snapshot()
	assert.Equal(t, []string{"crt.sh", "wayback"}, snap["www.example.com"])
	assert.Equal(t, []string{"root"}, snap["example.com"])
	assert.Len(t, snap, 2)
}

func TestOutOfDomainRecordsAreDiscarded(t *testing.T) {
	agg := New("example.com", KindHost)

	tests := []struct {
		key      string
		accepted bool
	}{
		{"www.example.com", true},
		{"notexample.com", false},
		{"example.com.attacker.net", false},
		{"admin@example.com", false},
		{"", false},
		{"*.cdn.example.com", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.accepted, agg.Add(tt.key, "crt.sh"), tt.key)
	}

	assert.Equal(t, []string{"cdn.example.com", "example.com", "www.example.com"}, agg.Keys())
	assert.Equal(t, 4, agg.Rejected())
	assert.Equal(t, []string{"crt.sh", "root"}, agg.Sources())
}

func TestURLAggregation(t *testing.T) {
	agg := New("example.com", KindURL)
	assert.Zero(t, agg.Len(), "url aggregation has no implicit root")

	n := agg.Merge([]Record{
		{Key: "https://shop.example.com/item?id=1&ref=a", Source: "wayback"},
		{Key: "http://shop.example.com/item/?ref=b&id=9", Source: "dirsearch"},
		{Key: "https://other.org/item?id=1", Source: "wayback"},
	})
	require.Equal(t, 2, n)

	assert.Equal(t, map[string][]string{
		"shop.example.com/item?id&ref": {"dirsearch", "wayback"},
	}, agg.Snapshot())
}

func TestMergeFromSnapshot(t *testing.T) {
	src := New("example.com", KindHost)
	src.Merge(Records([]string{"a.example.com", "b.example.com"}, "crt.sh"))

	dst := New("example.com", KindHost)
	dst.Add("a.example.com", "bruteforce")
	dst.MergeFrom(src.Snapshot())

	snap := dst.Snapshot()
	assert.Equal(t, []string{"bruteforce", "crt.sh"}, snap["a.example.com"])
	assert.Equal(t, []string{"crt.sh"}, snap["b.example.com"])
	assert.Equal(t, []string{"root"}, snap["example.com"])
}
