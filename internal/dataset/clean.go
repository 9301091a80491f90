package dataset

// Clean returns a copy of rs with nulls normalized per column kind:
//   - integer columns: nil -> int64(0)
//   - float columns:   nil -> float64(0)
//   - text columns:    nil -> ""
//
// Timestamp and unknown columns keep their nulls. Clean never mutates rs and
// Clean(Clean(rs)) equals Clean(rs).
func Clean(rs *ResultSet) *ResultSet {
	if rs == nil {
		return nil
	}
	cols := make([]Column, len(rs.Columns))
	copy(cols, rs.Columns)

	rows := make([][]any, len(rs.Rows))
	for i, r := range rs.Rows {
		out := make([]any, len(r))
		for j, v := range r {
			if v == nil {
				v = zeroFor(cols[j].Kind)
			}
			out[j] = v
		}
		rows[i] = out
	}
	return &ResultSet{Columns: cols, Rows: rows}
}

func zeroFor(k Kind) any {
	switch k {
	case KindInteger:
		return int64(0)
	case KindFloat:
		return float64(0)
	case KindText:
		return ""
	default:
		return nil
	}
}

// CountNulls returns the number of nil cells in rs.
func CountNulls(rs *ResultSet) int {
	if rs == nil {
		return 0
	}
	n := 0
	for _, r := range rs.Rows {
		for _, v := range r {
			if v == nil {
				n++
			}
		}
	}
	return n
}
