package query

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/docsync/internal/model"
)

type filterJSON struct {
	Field   []string        `json:"field,omitempty"`
	Op      string          `json:"op"`
	Value   json.RawMessage `json:"value,omitempty"`
	Filters []filterJSON    `json:"filters,omitempty"`
}

type orderByJSON struct {
	Field []string `json:"field"`
	Desc  bool     `json:"desc,omitempty"`
}

type boundJSON struct {
	Position  []json.RawMessage `json:"position"`
	Inclusive bool              `json:"inclusive"`
}

type targetJSON struct {
	Path            string        `json:"path"`
	CollectionGroup string        `json:"collection_group,omitempty"`
	Filters         []filterJSON  `json:"filters,omitempty"`
	OrderBy         []orderByJSON `json:"order_by,omitempty"`
	Limit           int           `json:"limit,omitempty"`
	StartAt         *boundJSON    `json:"start_at,omitempty"`
	EndAt           *boundJSON    `json:"end_at,omitempty"`
}

// MarshalTarget encodes t for the target cache.
func MarshalTarget(t Target) ([]byte, error) {
	tj := targetJSON{
		Path:            t.Path.String(),
		CollectionGroup: t.CollectionGroup,
		Limit:           t.Limit,
	}
	for _, f := range t.Filters {
		fj, err := encodeFilter(f)
		if err != nil {
			return nil, err
		}
		tj.Filters = append(tj.Filters, fj)
	}
	for _, o := range t.OrderBy {
		tj.OrderBy = append(tj.OrderBy, orderByJSON{Field: o.Field.Segments(), Desc: o.Dir == Descending})
	}
	var err error
	if tj.StartAt, err = encodeBound(t.StartAt); err != nil {
		return nil, err
	}
	if tj.EndAt, err = encodeBound(t.EndAt); err != nil {
		return nil, err
	}
	return json.Marshal(tj)
}

// UnmarshalTarget decodes a target produced by MarshalTarget.
func UnmarshalTarget(data []byte) (Target, error) {
	var tj targetJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return Target{}, fmt.Errorf("decode target: %w", err)
	}
	path, err := model.ParsePath(tj.Path)
	if err != nil {
		return Target{}, fmt.Errorf("decode target: %w", err)
	}
	t := Target{Path: path, CollectionGroup: tj.CollectionGroup, Limit: tj.Limit}
	for _, fj := range tj.Filters {
		f, err := decodeFilter(fj)
		if err != nil {
			return Target{}, fmt.Errorf("decode target %s: %w", tj.Path, err)
		}
		t.Filters = append(t.Filters, f)
	}
	for _, oj := range tj.OrderBy {
		dir := Ascending
		if oj.Desc {
			dir = Descending
		}
		t.OrderBy = append(t.OrderBy, OrderBy{Field: model.NewFieldPath(oj.Field...), Dir: dir})
	}
	if t.StartAt, err = decodeBound(tj.StartAt); err != nil {
		return Target{}, err
	}
	if t.EndAt, err = decodeBound(tj.EndAt); err != nil {
		return Target{}, err
	}
	return t, nil
}

func encodeFilter(f Filter) (filterJSON, error) {
	switch tf := f.(type) {
	case FieldFilter:
		raw, err := model.MarshalValue(tf.Value)
		if err != nil {
			return filterJSON{}, fmt.Errorf("encode filter on %s: %w", tf.Field, err)
		}
		return filterJSON{Field: tf.Field.Segments(), Op: tf.Op.String(), Value: raw}, nil
	case CompositeFilter:
		fj := filterJSON{Op: tf.Op.String()}
		for _, child := range tf.Filters {
			cj, err := encodeFilter(child)
			if err != nil {
				return filterJSON{}, err
			}
			fj.Filters = append(fj.Filters, cj)
		}
		return fj, nil
	}
	return filterJSON{}, fmt.Errorf("encode filter: unknown type %T", f)
}

func decodeFilter(fj filterJSON) (Filter, error) {
	switch fj.Op {
	case "and", "or":
		c := CompositeFilter{Op: OpAnd}
		if fj.Op == "or" {
			c.Op = OpOr
		}
		for _, cj := range fj.Filters {
			child, err := decodeFilter(cj)
			if err != nil {
				return nil, err
			}
			c.Filters = append(c.Filters, child)
		}
		return c, nil
	}
	op, err := ParseOperator(fj.Op)
	if err != nil {
		return nil, err
	}
	v, err := model.UnmarshalValue(fj.Value)
	if err != nil {
		return nil, err
	}
	return FieldFilter{Field: model.NewFieldPath(fj.Field...), Op: op, Value: v}, nil
}

func encodeBound(b *Bound) (*boundJSON, error) {
	if b == nil {
		return nil, nil
	}
	bj := &boundJSON{Inclusive: b.Inclusive}
	for _, v := range b.Position {
		raw, err := model.MarshalValue(v)
		if err != nil {
			return nil, err
		}
		bj.Position = append(bj.Position, raw)
	}
	return bj, nil
}

func decodeBound(bj *boundJSON) (*Bound, error) {
	if bj == nil {
		return nil, nil
	}
	b := &Bound{Inclusive: bj.Inclusive}
	for _, raw := range bj.Position {
		v, err := model.UnmarshalValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode bound: %w", err)
		}
		b.Position = append(b.Position, v)
	}
	return b, nil
}
