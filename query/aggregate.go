package query

import (
	"github.com/latticeworks/lattice/graph"
)

// computeAggregations evaluates each aggregation over the full filtered
// entity set, never the paginated slice. Result keys are "{op}_{field}"
// with bare count as "count"; a group_by replaces the scalar with a map
// of bucket value to aggregate.
func computeAggregations(nodes []*graph.Node, aggs []Aggregation) map[string]any {
	if len(aggs) == 0 {
		return nil
	}

	out := make(map[string]any, len(aggs))
	for _, agg := range aggs {
		key := aggKey(agg)
		if agg.GroupBy == "" {
			if v, ok := aggregate(nodes, agg); ok {
				out[key] = v
			}
			continue
		}

		buckets := make(map[string][]*graph.Node)
		for _, node := range nodes {
			gv, ok := fieldValue(node, agg.GroupBy)
			if !ok {
				continue
			}
			bucket := stringify(gv)
			buckets[bucket] = append(buckets[bucket], node)
		}

		grouped := make(map[string]any, len(buckets))
		for bucket, members := range buckets {
			if v, ok := aggregate(members, agg); ok {
				grouped[bucket] = v
			}
		}
		out[key] = grouped
	}
	return out
}

func aggKey(agg Aggregation) string {
	if agg.Field == "" {
		return string(agg.Op)
	}
	return string(agg.Op) + "_" + agg.Field
}

// aggregate computes one summary over nodes. Non-numeric values are
// skipped under numeric coercion; an aggregation that saw no usable
// values reports false so the key is omitted rather than fabricated.
func aggregate(nodes []*graph.Node, agg Aggregation) (any, bool) {
	if agg.Op == AggCount {
		if agg.Field == "" {
			return len(nodes), true
		}
		n := 0
		for _, node := range nodes {
			if _, ok := fieldValue(node, agg.Field); ok {
				n++
			}
		}
		return n, true
	}

	var values []float64
	for _, node := range nodes {
		raw, ok := fieldValue(node, agg.Field)
		if !ok {
			continue
		}
		if f, ok := toFloat(raw); ok {
			values = append(values, f)
		}
	}

	switch agg.Op {
	case AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum, true
	case AggAvg:
		if len(values) == 0 {
			return nil, false
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), true
	case AggMin:
		if len(values) == 0 {
			return nil, false
		}
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, true
	case AggMax:
		if len(values) == 0 {
			return nil, false
		}
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, true
	default:
		return nil, false
	}
}
