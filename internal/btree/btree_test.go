package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/sombra-db/sombra/internal/pager"
)

func tmpTree(t *testing.T) (*pager.Pager, *Tree) {
	t.Helper()
	opts := pager.DefaultOptions()
	opts.PageSize = 512
	opts.CachePages = 32
	p, err := pager.Open(filepath.Join(t.TempDir(), "btree.db"), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	tree, err := Create(g, int(p.PageSize()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
	return p, tree
}

func put(t *testing.T, p *pager.Pager, tree *Tree, key, val string) {
	t.Helper()
	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Put(g, []byte(key), []byte(val)); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, p *pager.Pager, tree *Tree, key string) (string, bool) {
	t.Helper()
	r := p.BeginRead()
	defer r.Release()
	v, ok, err := tree.Get(r, []byte(key))
	if err != nil {
		t.Fatal(err)
	}
	return string(v), ok
}

func TestTree_PutGetDelete(t *testing.T) {
	p, tree := tmpTree(t)
	put(t, p, tree, "alpha", "1")
	put(t, p, tree, "beta", "2")
	put(t, p, tree, "alpha", "one") // overwrite

	if v, ok := get(t, p, tree, "alpha"); !ok || v != "one" {
		t.Fatalf("alpha = %q, %v", v, ok)
	}
	if v, ok := get(t, p, tree, "beta"); !ok || v != "2" {
		t.Fatalf("beta = %q, %v", v, ok)
	}
	if _, ok := get(t, p, tree, "gamma"); ok {
		t.Fatal("phantom key")
	}

	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	found, err := tree.Delete(g, []byte("alpha"))
	if err != nil || !found {
		t.Fatalf("delete alpha: %v, %v", found, err)
	}
	found, err = tree.Delete(g, []byte("missing"))
	if err != nil || found {
		t.Fatalf("delete missing: %v, %v", found, err)
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, ok := get(t, p, tree, "alpha"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestTree_SplitsPreserveOrder(t *testing.T) {
	p, tree := tmpTree(t)
	const n = 500

	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	perm := rand.New(rand.NewSource(42)).Perm(n)
	for _, i := range perm {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i))
		if err := tree.Put(g, key, []byte(fmt.Sprintf("val-%d", i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}

	r := p.BeginRead()
	defer r.Release()
	cur, err := tree.Range(r, nil, nil, true, true)
	if err != nil {
		t.Fatal(err)
	}
	var prev []byte
	count := 0
	for {
		k, v, ok, err := cur.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			t.Fatalf("keys out of order: %x then %x", prev, k)
		}
		i := binary.BigEndian.Uint64(k)
		if string(v) != fmt.Sprintf("val-%d", i) {
			t.Fatalf("key %d has value %q", i, v)
		}
		prev = append(prev[:0], k...)
		count++
	}
	if count != n {
		t.Fatalf("scan yielded %d keys, want %d", count, n)
	}
	if c, err := tree.Count(r); err != nil || c != n {
		t.Fatalf("count = %d, %v", c, err)
	}
}

func TestTree_RangeBounds(t *testing.T) {
	p, tree := tmpTree(t)
	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"b", "d", "f", "h"} {
		if err := tree.Put(g, []byte(k), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}

	r := p.BeginRead()
	defer r.Release()
	collect := func(low, high string, lowIncl, highIncl bool) []string {
		var lo, hi []byte
		if low != "" {
			lo = []byte(low)
		}
		if high != "" {
			hi = []byte(high)
		}
		cur, err := tree.Range(r, lo, hi, lowIncl, highIncl)
		if err != nil {
			t.Fatal(err)
		}
		var out []string
		for {
			k, _, ok, err := cur.Next()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				return out
			}
			out = append(out, string(k))
		}
	}
	if got := collect("b", "f", true, true); fmt.Sprint(got) != "[b d f]" {
		t.Fatalf("inclusive range: %v", got)
	}
	if got := collect("b", "f", false, false); fmt.Sprint(got) != "[d]" {
		t.Fatalf("exclusive range: %v", got)
	}
	if got := collect("", "d", true, true); fmt.Sprint(got) != "[b d]" {
		t.Fatalf("unbounded low: %v", got)
	}
}

func TestTree_OverflowValues(t *testing.T) {
	p, tree := tmpTree(t)
	big := bytes.Repeat([]byte("x"), 3000) // several pages at 512 B

	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Put(g, []byte("big"), big); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
	if v, ok := get(t, p, tree, "big"); !ok || v != string(big) {
		t.Fatalf("overflow roundtrip failed: %d bytes, ok=%v", len(v), ok)
	}

	// Replacing frees the old chain; the value must still read back.
	small := []byte("tiny")
	g2, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Put(g2, []byte("big"), small); err != nil {
		t.Fatal(err)
	}
	if _, err := g2.Commit(); err != nil {
		t.Fatal(err)
	}
	if v, ok := get(t, p, tree, "big"); !ok || v != "tiny" {
		t.Fatalf("replacement failed: %q, %v", v, ok)
	}
}

func TestTree_ForEachWithWrite(t *testing.T) {
	p, tree := tmpTree(t)
	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		if err := tree.Put(g, key, []byte("keep")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}

	g2, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	err = tree.ForEachWithWrite(g2, func(key, value []byte) ([]byte, bool, error) {
		if key[1] == '0' { // k00..k09
			return nil, true, nil
		}
		return []byte("kept"), false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g2.Commit(); err != nil {
		t.Fatal(err)
	}

	r := p.BeginRead()
	defer r.Release()
	c, err := tree.Count(r)
	if err != nil {
		t.Fatal(err)
	}
	if c != 10 {
		t.Fatalf("count after deletes = %d, want 10", c)
	}
	v, ok, err := tree.Get(r, []byte("k15"))
	if err != nil || !ok || string(v) != "kept" {
		t.Fatalf("rewrite failed: %q, %v, %v", v, ok, err)
	}
}
