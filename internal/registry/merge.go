package registry

type MergeKind string

const (
	MergeInsert  MergeKind = "insert"
	MergeRefresh MergeKind = "refresh"
)

// MergeOp is one step of a discovery merge. For MergeRefresh only ID and the
// metadata keys that differ are populated.
type MergeOp struct {
	Kind     MergeKind
	Instance Instance
}

type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type MergeResult struct {
	Inserted  []Instance  `json:"inserted"`
	Refreshed []string    `json:"refreshed"`
	Rejected  []Rejection `json:"rejected,omitempty"`
}

// planMerge decides insert-if-absent vs refresh-if-present for each found
// instance. Refreshes that would not change any metadata value are dropped,
// so planning against an already-merged registry yields no ops.
func planMerge(existing map[string]Instance, found []Instance) []MergeOp {
	var ops []MergeOp
	seen := make(map[string]struct{}, len(found))
	for _, inst := range found {
		if _, dup := seen[inst.ID]; dup {
			continue
		}
		seen[inst.ID] = struct{}{}

		cur, ok := existing[inst.ID]
		if !ok {
			ops = append(ops, MergeOp{Kind: MergeInsert, Instance: inst})
			continue
		}
		changed := map[string]string{}
		for k, v := range inst.Metadata {
			if old, has := cur.Metadata[k]; !has || old != v {
				changed[k] = v
			}
		}
		if len(changed) > 0 {
			ops = append(ops, MergeOp{Kind: MergeRefresh, Instance: Instance{ID: inst.ID, Metadata: changed}})
		}
	}
	return ops
}
