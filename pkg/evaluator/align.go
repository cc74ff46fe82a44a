package evaluator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/algomatic/taexpr/pkg/series"
)

// innerJoinNumber intersects the timestamps of a set of float64 Series,
// returning the shared, strictly-increasing timestamp set plus each
// input's value/availability at those timestamps, in input order. This is
// the "inner" alignment policy — the default absent an explicit ffill
// request on a BinaryOp.
func innerJoinNumber(inputs []series.Series[float64]) (ts []int64, values [][]float64, avail [][]bool) {
	if len(inputs) == 0 {
		return nil, nil, nil
	}
	idx := make(map[int64]int, inputs[0].Len())
	for i := 0; i < inputs[0].Len(); i++ {
		idx[inputs[0].Timestamp(i)] = 0
	}
	common := make([]int64, 0, inputs[0].Len())
	for t := range idx {
		keep := true
		for _, s := range inputs[1:] {
			if !hasTimestamp(s, t) {
				keep = false
				break
			}
		}
		if keep {
			common = append(common, t)
		}
	}
	sort.Slice(common, func(i, j int) bool { return common[i] < common[j] })

	values = make([][]float64, len(inputs))
	avail = make([][]bool, len(inputs))
	for i, s := range inputs {
		values[i] = make([]float64, len(common))
		avail[i] = make([]bool, len(common))
		for j, t := range common {
			v, ok, _ := valueAt(s, t)
			values[i][j] = v
			avail[i][j] = ok
		}
	}
	return common, values, avail
}

// ffillJoin keeps every timestamp in a (the left operand drives the output
// timeline) and pairs it with b's index at the latest timestamp <= it —
// "forward-filling" b's last known value onto a's timeline. This is the
// "ffill" alignment policy: unlike intersectIndices it never drops an
// a-timestamp just because b hasn't reported one yet. bi is -1 for a
// leading a-timestamp that precedes every b sample; the caller must treat
// that as unavailable rather than index with it.
func ffillJoin(a, b []int64) (ts []int64, ai, bi []int) {
	ts = append([]int64(nil), a...)
	ai = make([]int, len(a))
	bi = make([]int, len(a))
	j := 0
	for i, t := range a {
		ai[i] = i
		for j < len(b) && b[j] <= t {
			j++
		}
		bi[i] = j - 1
	}
	return ts, ai, bi
}

func hasTimestamp(s series.Series[float64], t int64) bool {
	i := sort.Search(s.Len(), func(i int) bool { return s.Timestamp(i) >= t })
	return i < s.Len() && s.Timestamp(i) == t
}

func valueAt(s series.Series[float64], t int64) (float64, bool, bool) {
	i := sort.Search(s.Len(), func(i int) bool { return s.Timestamp(i) >= t })
	if i >= s.Len() || s.Timestamp(i) != t {
		return 0, false, false
	}
	v, ok, ts := s.At(i)
	return v, ok, ts == t
}

// nearestAtOrBefore binary-searches s for the value at the latest
// timestamp <= target, used by TimeShift's duration-based form.
func nearestAtOrBefore(s series.Series[float64], target int64) (float64, bool, bool) {
	i := sort.Search(s.Len(), func(i int) bool { return s.Timestamp(i) > target })
	if i == 0 {
		return 0, false, false
	}
	v, ok, _ := s.At(i - 1)
	return v, ok, true
}

// timeframeDuration extends time.ParseDuration with the day/week bar-size
// suffixes the catalog's timeframe strings use ("1d", "3d", "1w"), which
// time.ParseDuration itself does not accept.
func timeframeDuration(tf string) (time.Duration, error) {
	if d, err := time.ParseDuration(tf); err == nil {
		return d, nil
	}
	if len(tf) < 2 {
		return 0, fmt.Errorf("evaluator: unparseable timeframe %q", tf)
	}
	unit := tf[len(tf)-1]
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil {
		return 0, fmt.Errorf("evaluator: unparseable timeframe %q: %w", tf, err)
	}
	switch strings.ToLower(string(unit)) {
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("evaluator: unrecognized timeframe unit in %q", tf)
	}
}

// bucketStart floors a nanosecond timestamp onto the start of its
// duration-sized bucket, anchored at the Unix epoch.
func bucketStart(ts int64, bucket time.Duration) int64 {
	n := bucket.Nanoseconds()
	if n <= 0 {
		return ts
	}
	return (ts / n) * n
}
