package offline

// Merge combines server snapshot with pending changes into the effective collection.
//
// Pending creates are appended with their temporary ids, pending patches are applied
// over records (patch fields win) and deleted records are removed.
// Inputs are not modified, output depends only on inputs.
func Merge(server []Record, pending PendingSnapshot) []Record {
	patches := make(map[string]Record, len(pending.Updates))
	for _, u := range pending.Updates {
		patches[u.ID] = u.Patch
	}

	deleted := make(map[string]struct{}, len(pending.Deletes))
	for _, d := range pending.Deletes {
		deleted[d.ID] = struct{}{}
	}

	res := make([]Record, 0, len(server)+len(pending.Creates))

	add := func(r Record) {
		id := r.ID()

		if _, ok := deleted[id]; ok {
			return
		}

		if patch, ok := patches[id]; ok {
			origID := r[IDField]
			r = r.Patched(patch)
			r[IDField] = origID
		}

		res = append(res, r)
	}

	for _, r := range server {
		add(r.Clone())
	}

	for _, c := range pending.Creates {
		r := c.Payload.Clone()
		r[IDField] = c.TempID

		add(r)
	}

	return res
}
