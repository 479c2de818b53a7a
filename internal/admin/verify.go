// Package admin provides the diagnostics surface: whole-file integrity
// verification and the MVCC status report. Nothing here mutates the
// database.
package admin

import (
	"fmt"

	"github.com/sombra-db/sombra/internal/graph"
	"github.com/sombra-db/sombra/internal/mvcc"
	"github.com/sombra-db/sombra/internal/pager"
)

// VerifyReport is the result of an integrity sweep.
type VerifyReport struct {
	PagesChecked   int
	FreePages      int
	NodesSeen      int
	EdgesSeen      int
	AdjForward     int
	AdjReverse     int
	MirrorBroken   int
	Problems       []string
}

// Ok reports whether the sweep found no problems.
func (r *VerifyReport) Ok() bool { return len(r.Problems) == 0 && r.MirrorBroken == 0 }

func (r *VerifyReport) problemf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Verify sweeps every allocated page's CRC, sanity-checks the meta page,
// and validates the adjacency mirror invariant: every live forward entry
// has exactly one live reverse twin.
func Verify(s *graph.Store) (*VerifyReport, error) {
	report := &VerifyReport{}
	pg := s.Pager()
	meta := pg.Meta()

	if meta.NextPage == 0 {
		report.problemf("meta: next page is zero")
	}
	for i, root := range meta.Roots {
		if root == 0 || root >= meta.NextPage {
			report.problemf("meta: tree %d root %d out of range", i, root)
		}
	}

	// Page CRC sweep via a read guard; freed pages are skipped (their
	// content is undefined until reuse).
	g := pg.BeginRead()
	defer g.Release()
	free := make(map[pager.PageID]bool)
	for _, id := range pg.FreePageIDs() {
		free[id] = true
	}
	tx := s.BeginRead()
	defer tx.Release()
	for id := pager.PageID(1); id < meta.NextPage; id++ {
		if free[id] {
			report.FreePages++
			continue
		}
		if _, err := g.Page(id); err != nil {
			report.problemf("page %d: %v", id, err)
			continue
		}
		report.PagesChecked++
	}

	// Adjacency mirror check at the current snapshot.
	fwd := make(map[[4]uint64]bool)
	if err := collectAdj(tx, graph.DirOut, func(e graph.AdjEntry) {
		report.AdjForward++
		fwd[[4]uint64{e.From, uint64(e.Type), e.To, e.Edge}] = true
	}); err != nil {
		return nil, err
	}
	if err := collectAdj(tx, graph.DirIn, func(e graph.AdjEntry) {
		report.AdjReverse++
		// Reverse keys are (dst, type, src, edge); mirror to forward form.
		k := [4]uint64{e.To, uint64(e.Type), e.From, e.Edge}
		if !fwd[k] {
			report.MirrorBroken++
			report.problemf("reverse entry %v has no forward twin", e)
		} else {
			delete(fwd, k)
		}
	}); err != nil {
		return nil, err
	}
	for k := range fwd {
		report.MirrorBroken++
		report.problemf("forward entry %v has no reverse twin", k)
	}

	// Count the edges and nodes visible at the snapshot.
	edges, err := tx.CountEdges()
	if err != nil {
		return nil, err
	}
	report.EdgesSeen = edges
	nodes, err := tx.CountNodes()
	if err != nil {
		return nil, err
	}
	report.NodesSeen = nodes
	return report, nil
}

// collectAdj streams every visible adjacency entry in one direction. It
// scans per node id by walking the node tree.
func collectAdj(tx *graph.ReadTx, dir graph.Direction, fn func(graph.AdjEntry)) error {
	ids, err := tx.AllNodeIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		cur, err := tx.Neighbors(id, dir, graph.NeighborOpts{})
		if err != nil {
			return err
		}
		for {
			n, ok, err := cur.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			fn(graph.AdjEntry{From: id, Type: n.Type, To: n.Node, Edge: n.Edge})
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// MVCC status
// ───────────────────────────────────────────────────────────────────────────

// MVCCStatus is the diagnostics snapshot of the MVCC machinery.
type MVCCStatus struct {
	Commits        mvcc.TableStatus
	VersionLogSize int
	CacheEntries   int
	CacheHits      uint64
	CacheMisses    uint64
	NextNodeID     uint64
	NextEdgeID     uint64
	NextVersionPtr uint64
	PagerStats     pager.Stats
}

// Status assembles the MVCC status report.
func Status(s *graph.Store) (*MVCCStatus, error) {
	meta := s.Pager().Meta()
	tx := s.BeginRead()
	defer tx.Release()
	logSize, err := tx.VersionLogSize()
	if err != nil {
		return nil, err
	}
	hits, misses := s.VersionCache().Stats()
	return &MVCCStatus{
		Commits:        s.CommitTable().Status(),
		VersionLogSize: logSize,
		CacheEntries:   s.VersionCache().Len(),
		CacheHits:      hits,
		CacheMisses:    misses,
		NextNodeID:     meta.NextNodeID,
		NextEdgeID:     meta.NextEdgeID,
		NextVersionPtr: meta.NextVersionPtr,
		PagerStats:     s.Pager().Stats(),
	}, nil
}
