package model

import "fmt"

// ValidateDependencyDAG checks that the dependency edges of the given chunks
// form a DAG and reference only chunks of the same spec. Returned errors name
// the offending chunk so callers can surface them unchanged.
func ValidateDependencyDAG(chunks []*Chunk) error {
	byID := make(map[string]*Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	for _, c := range chunks {
		for _, dep := range c.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("chunk %s depends on unknown chunk %s", c.ID, dep)
			}
			if dep == c.ID {
				return fmt.Errorf("chunk %s depends on itself", c.ID)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(chunks))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("circular dependency involving chunk %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, c := range chunks {
		if err := visit(c.ID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFixLineage checks that fix-chunk parent links are acyclic:
// a fix chunk cannot be its own ancestor.
func ValidateFixLineage(chunks []*Chunk) error {
	parents := make(map[string]string, len(chunks))
	for _, c := range chunks {
		if c.ParentChunkID != "" {
			parents[c.ID] = c.ParentChunkID
		}
	}

	for id := range parents {
		seen := map[string]bool{id: true}
		for cur := parents[id]; cur != ""; cur = parents[cur] {
			if seen[cur] {
				return fmt.Errorf("fix chunk %s is its own ancestor", id)
			}
			seen[cur] = true
		}
	}
	return nil
}
