/*
rollup.go - Natural rollup: per-node values from facts alone

PURPOSE:
  Produces the Natural value for every node, ignoring custom rules. Two
  paths by fact-table shape:

  Legacy path:   The use case reads the canonical ledger. Leaves aggregate
                 rows whose leaf column equals the leaf's node_id; parents
                 sum children bottom-up.

  Strategy path: The use case has a dedicated fact table whose dimension
                 columns match the hierarchy's rollup_driver declarations.
                 Every node aggregates rows matching its own driver filter;
                 a hybrid parent (non-leaf that also matches facts directly)
                 is direct + sum of children, with the direct component
                 clamped at zero. A negative direct can only come from
                 double-counted inconsistent data.

  Facts referencing a leaf outside the hierarchy are ignored here; the
  completeness check in reconcile.go surfaces them as orphan value.

SEE ALSO:
  - engine.go: Natural feeds the Stage-1 working map and Stage-3 plugs
  - reconcile.go: Root and completeness checks against fact totals
*/
package overlay

import "github.com/shopspring/decimal"

// ComputeNatural rolls facts up the hierarchy, returning one MeasureVector
// per node keyed by logical measure name.
func ComputeNatural(uc *UseCase, h *Hierarchy, rows []FactRow) (map[NodeID]MeasureVector, error) {
	if err := checkFactSchema(uc, rows); err != nil {
		return nil, err
	}
	if uc.UsesStrategyPath() {
		return strategyRollup(uc, h, rows), nil
	}
	return legacyRollup(uc, h, rows), nil
}

// checkFactSchema fails fast when a mapped measure column never appears in
// the fact rows. A silently-zero measure would corrupt every plug.
func checkFactSchema(uc *UseCase, rows []FactRow) error {
	if len(rows) == 0 {
		return nil
	}
	for measure, col := range uc.MeasureMapping {
		found := false
		for i := range rows {
			if _, ok := rows[i].Measures[col]; ok {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Field: col,
				Reason: "fact table has no column " + col + " for measure " + measure}
		}
	}
	return nil
}

func legacyRollup(uc *UseCase, h *Hierarchy, rows []FactRow) map[NodeID]MeasureVector {
	measures := uc.Measures()
	leafCol := uc.EffectiveLeafColumn()

	natural := make(map[NodeID]MeasureVector, h.Len())
	for _, id := range h.NodeIDs() {
		natural[id] = NewMeasureVector(measures)
	}

	for i := range rows {
		leaf := NodeID(rows[i].Dimension(leafCol))
		node := h.Node(leaf)
		if node == nil || !node.IsLeaf {
			continue // orphan facts surface in the completeness check
		}
		v := natural[leaf]
		for _, m := range measures {
			v[m] = v[m].Add(rows[i].Measure(uc.MeasureMapping[m]))
		}
	}

	for _, id := range h.DepthDescending() {
		children := h.Children(id)
		if len(children) == 0 {
			continue
		}
		sum := NewMeasureVector(measures)
		for _, c := range children {
			sum = sum.Add(natural[c])
		}
		natural[id] = sum
	}

	return natural
}

func strategyRollup(uc *UseCase, h *Hierarchy, rows []FactRow) map[NodeID]MeasureVector {
	measures := uc.Measures()

	// Direct matches per node: rows whose driver column equals the node's
	// rollup value.
	matched := make(map[NodeID]MeasureVector, h.Len())
	for _, id := range h.NodeIDs() {
		matched[id] = NewMeasureVector(measures)
		n := h.Node(id)
		if n.RollupDriver == "" {
			continue
		}
		want := n.RollupValue()
		v := matched[id]
		for i := range rows {
			if rows[i].Dimension(n.RollupDriver) != want {
				continue
			}
			for _, m := range measures {
				v[m] = v[m].Add(rows[i].Measure(uc.MeasureMapping[m]))
			}
		}
	}

	natural := make(map[NodeID]MeasureVector, h.Len())
	for _, id := range h.DepthDescending() {
		children := h.Children(id)
		if len(children) == 0 {
			natural[id] = matched[id].Clone()
			continue
		}
		sum := NewMeasureVector(measures)
		for _, c := range children {
			sum = sum.Add(natural[c])
		}
		// Hybrid parent: the driver match includes the children's rows, so
		// the direct component is the residual, clamped at zero per measure.
		// A negative residual only arises from inconsistent data.
		direct := clampNonNegative(matched[id].Sub(sum))
		natural[id] = sum.Add(direct)
	}

	return natural
}

func clampNonNegative(v MeasureVector) MeasureVector {
	out := make(MeasureVector, len(v))
	for k, d := range v {
		if d.IsNegative() {
			out[k] = decimal.Zero
		} else {
			out[k] = d
		}
	}
	return out
}
