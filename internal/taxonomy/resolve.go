package taxonomy

import (
	"sort"
)

// index maps normalized terms to keys and keys to their implies edges.
type index struct {
	terms   map[string]string
	implies map[string][]string
}

func buildIndex(entries []Entry) *index {
	idx := &index{
		terms:   make(map[string]string, len(entries)*3),
		implies: make(map[string][]string, len(entries)),
	}
	// Keys claim their own term before any label or synonym can.
	for _, e := range entries {
		idx.implies[e.Key] = e.Implies
		if n := Normalize(e.Key); n != "" {
			idx.terms[n] = e.Key
		}
	}
	for _, e := range entries {
		for _, term := range append([]string{e.Label}, e.Synonyms...) {
			n := Normalize(term)
			if n == "" {
				continue
			}
			if _, taken := idx.terms[n]; !taken {
				idx.terms[n] = e.Key
			}
		}
	}
	return idx
}

// resolve matches tokens and expands implied keys breadth first. The visited
// set bounds the walk on cyclic graphs. Implied keys without an entry are skipped.
func (idx *index) resolve(tokens []string) []string {
	visited := make(map[string]struct{})
	var queue []string
	for _, token := range tokens {
		key, ok := idx.terms[Normalize(token)]
		if !ok {
			continue
		}
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}
		queue = append(queue, key)
	}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, next := range idx.implies[key] {
			if _, exists := idx.implies[next]; !exists {
				continue
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	out := make([]string, 0, len(visited))
	for key := range visited {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// current returns the index for the stored document, rebuilding it when the
// document version has moved.
func (s *Service) current() (*index, error) {
	doc, err := s.Export()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx == nil || s.version != doc.Version {
		s.idx = buildIndex(doc.Entries)
		s.version = doc.Version
	}
	return s.idx, nil
}

// Resolve maps free-text tokens to canonical keys plus every key they imply.
// Unmatched tokens are dropped. The result is sorted.
func (s *Service) Resolve(tokens []string) ([]string, error) {
	idx, err := s.current()
	if err != nil {
		return nil, err
	}
	return idx.resolve(tokens), nil
}

// ResolveBatch resolves several token lists against one snapshot.
func (s *Service) ResolveBatch(batches [][]string) ([][]string, error) {
	idx, err := s.current()
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(batches))
	for i, tokens := range batches {
		out[i] = idx.resolve(tokens)
	}
	return out, nil
}
