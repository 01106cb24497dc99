package reviewapplier

// resolveConflicts groups changes by path, flags colliding pairs, and applies the
// configured strategy to decide what survives.
func resolveConflicts(changes []Change, strategy ConflictStrategy) ([]Change, []Conflict) {
	byPath := map[string][]Change{}
	var order []string
	for _, c := range changes {
		if _, ok := byPath[c.Path]; !ok {
			order = append(order, c.Path)
		}
		byPath[c.Path] = append(byPath[c.Path], c)
	}

	var surviving []Change
	var conflicts []Conflict

	for _, path := range order {
		group := byPath[path]
		if len(group) == 1 || !hasConflict(group) {
			surviving = append(surviving, group...)
			continue
		}

		ids := make([]string, len(group))
		for i, c := range group {
			ids[i] = c.ID
		}

		kept, dropped := applyStrategy(group, strategy)
		resolvedIDs := make([]string, len(kept))
		for i, c := range kept {
			resolvedIDs[i] = c.ID
		}
		droppedIDs := make([]string, len(dropped))
		for i, c := range dropped {
			droppedIDs[i] = c.ID
		}

		conflicts = append(conflicts, Conflict{Path: path, Changes: ids, Resolved: resolvedIDs, Dropped: droppedIDs})
		surviving = append(surviving, kept...)
	}

	return surviving, conflicts
}

// hasConflict reports whether group contains a file_create+file_edit pair or two
// code_replace/line_delete changes with overlapping line ranges.
func hasConflict(group []Change) bool {
	hasCreate, hasEdit := false, false
	for _, c := range group {
		switch c.Type {
		case TypeFileCreate:
			hasCreate = true
		case TypeFileEdit:
			hasEdit = true
		}
	}
	if hasCreate && hasEdit {
		return true
	}

	var ranged []Change
	for _, c := range group {
		if (c.Type == TypeCodeReplace || c.Type == TypeLineDelete) && c.Line > 0 {
			ranged = append(ranged, c)
		}
	}
	for i := 0; i < len(ranged); i++ {
		for j := i + 1; j < len(ranged); j++ {
			if rangesOverlap(ranged[i], ranged[j]) {
				return true
			}
		}
	}
	return false
}

func rangesOverlap(a, b Change) bool {
	aEnd := a.EndLine
	if aEnd == 0 {
		aEnd = a.Line
	}
	bEnd := b.EndLine
	if bEnd == 0 {
		bEnd = b.Line
	}
	return a.Line <= bEnd && b.Line <= aEnd
}

// applyStrategy decides which changes in a conflicting group survive.
func applyStrategy(group []Change, strategy ConflictStrategy) (kept, dropped []Change) {
	switch strategy {
	case StrategyPreferReview:
		// The extracted proposals are all "the review's" content; the latest
		// proposal for the path wins as the most recently stated intent.
		return group[len(group)-1:], group[:len(group)-1]
	case StrategyPreferCurrent:
		// Keep nothing: the working tree's current content wins, no change applied.
		return nil, group
	case StrategyMerge:
		// No true structural merge is modeled; apply every change in extraction
		// order and let the last writer win on overlapping bytes.
		return group, nil
	case StrategySkip:
		return nil, group
	default: // manual
		return nil, group
	}
}
