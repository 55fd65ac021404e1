package signal

import (
	"math"
	"sort"
)

// Candidate 是一个待准入的 BUY，Seq 为发现顺序。
type Candidate struct {
	Signal Signal
	Seq    int
}

// Rank 按分数降序排列，分数相同时先发现者在前；NaN 排最后。不修改入参。
func Rank(cands []Candidate) []Candidate {
	out := append([]Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Signal.Score, out[j].Signal.Score
		an, bn := math.IsNaN(a), math.IsNaN(b)
		switch {
		case an != bn:
			return bn
		case !an && a != b:
			return a > b
		default:
			return out[i].Seq < out[j].Seq
		}
	})
	return out
}

// Candidates 为信号按出现顺序编号。
func Candidates(sigs []Signal) []Candidate {
	out := make([]Candidate, len(sigs))
	for i, s := range sigs {
		out[i] = Candidate{Signal: s, Seq: i}
	}
	return out
}
