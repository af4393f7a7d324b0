package search

import "github.com/poiesic/docflow/destination/badger"

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
type SearchMonitor interface {
	Start(query string)
	AfterSemanticSearch(elementIDs []string)
	VerbatimHit(record *badger.Record)
	Finish(results []*Result)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                 {}
func (n *noopMonitor) AfterSemanticSearch(_ []string) {}
func (n *noopMonitor) VerbatimHit(_ *badger.Record)   {}
func (n *noopMonitor) Finish(_ []*Result)             {}
