package domain

import "sort"

// FireFlags is the fired state of one owner for one entity.
type FireFlags struct {
	Exact   bool         `json:"exact,omitempty"`
	Offsets map[int]bool `json:"offsets,omitempty"`
}

func (f FireFlags) Any() bool {
	if f.Exact {
		return true
	}
	for _, v := range f.Offsets {
		if v {
			return true
		}
	}
	return false
}

func (f FireFlags) clone() FireFlags {
	out := FireFlags{Exact: f.Exact}
	if len(f.Offsets) > 0 {
		out.Offsets = make(map[int]bool, len(f.Offsets))
		for k, v := range f.Offsets {
			out.Offsets[k] = v
		}
	}
	return out
}

// Flags holds fired state per owner.
type Flags map[Owner]FireFlags

func (f Flags) Get(o Owner) FireFlags {
	if f == nil {
		return FireFlags{}
	}
	return f[o]
}

func (f Flags) Clone() Flags {
	if f == nil {
		return nil
	}
	out := make(Flags, len(f))
	for k, v := range f {
		out[k] = v.clone()
	}
	return out
}

// Merge returns the union (logical OR) of f and o.
func (f Flags) Merge(o Flags) Flags {
	out := f.Clone()
	if out == nil && len(o) > 0 {
		out = Flags{}
	}
	for owner, ff := range o {
		cur := out[owner]
		cur.Exact = cur.Exact || ff.Exact
		for m, v := range ff.Offsets {
			if !v {
				continue
			}
			if cur.Offsets == nil {
				cur.Offsets = map[int]bool{}
			}
			cur.Offsets[m] = true
		}
		out[owner] = cur
	}
	return out
}

// FlagPatch is a partial update of dedup fields only.
// ClearAll wipes every owner's flags and is applied before the other fields.
type FlagPatch struct {
	Owner    Owner
	Exact    *bool
	Offsets  map[int]bool
	ClearAll bool
}

// MarkExact returns a patch setting the exact flag of owner.
func MarkExact(owner Owner) FlagPatch {
	t := true
	return FlagPatch{Owner: owner, Exact: &t}
}

// MarkOffset returns a patch setting the offset flag for minutes.
func MarkOffset(owner Owner, minutes int) FlagPatch {
	return FlagPatch{Owner: owner, Offsets: map[int]bool{minutes: true}}
}

// ClearOwner returns a patch that resets all flags of owner.
func ClearOwner(owner Owner) FlagPatch {
	f := false
	return FlagPatch{Owner: owner, Exact: &f, Offsets: map[int]bool{}}
}

func (p FlagPatch) Empty() bool { return !p.ClearAll && p.Exact == nil && p.Offsets == nil }

// Apply returns f with p applied. f is not modified.
//
// A non-nil empty Offsets map in p clears the owner's offsets.
func (f Flags) Apply(p FlagPatch) Flags {
	out := f.Clone()
	if p.ClearAll {
		out = Flags{}
	}
	if p.Owner == "" || (p.Exact == nil && p.Offsets == nil) {
		return out
	}
	if out == nil {
		out = Flags{}
	}
	cur := out[p.Owner]
	if p.Exact != nil {
		cur.Exact = *p.Exact
	}
	if p.Offsets != nil {
		if len(p.Offsets) == 0 {
			cur.Offsets = nil
		} else {
			if cur.Offsets == nil {
				cur.Offsets = map[int]bool{}
			}
			for m, v := range p.Offsets {
				if v {
					cur.Offsets[m] = true
				} else {
					delete(cur.Offsets, m)
				}
			}
			if len(cur.Offsets) == 0 {
				cur.Offsets = nil
			}
		}
	}
	if !cur.Any() {
		delete(out, p.Owner)
	} else {
		out[p.Owner] = cur
	}
	return out
}

// NormalizeOffsets de-duplicates by minutes, drops negatives and orders
// descending (earliest reminder first).
func NormalizeOffsets(in []Offset) []Offset {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(in))
	out := make([]Offset, 0, len(in))
	for _, o := range in {
		if o.Minutes < 0 {
			continue
		}
		if _, ok := seen[o.Minutes]; ok {
			continue
		}
		seen[o.Minutes] = struct{}{}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Minutes > out[j].Minutes })
	return out
}
