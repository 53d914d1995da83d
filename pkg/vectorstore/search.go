package vectorstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/metrics"
)

// decodePostingsCentroid reads the leading centroid_id field out of a
// postings key encoded by postingsKey: a 4-byte length prefix (always
// 4, the width of a uint32) followed by the big-endian centroid id.
func decodePostingsCentroid(key []byte) uint32 {
	return binary.BigEndian.Uint32(key[4:8])
}

// scanCentroid returns every record filed under centroidID's posting
// list, advancing a Find-positioned cursor forward until it runs past
// the partition (spec §3 supplement: Search "scans the nearest nprobe
// centroids' posting lists").
func (s *Store) scanCentroid(ctx context.Context, centroidID uint32) ([]record, error) {
	if s.postings.Count() == 0 {
		return nil, nil
	}
	lowKey := postingsKey(centroidID, "")
	cur, _, err := s.postings.Find(ctx, lowKey)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, nil
	}

	var out []record
	for {
		key, err := cur.Key(ctx)
		if err != nil {
			return nil, err
		}
		c := decodePostingsCentroid(key)
		if c == centroidID {
			raw, err := cur.Value(ctx)
			if err != nil {
				return nil, err
			}
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, sopErrors.Wrap(sopErrors.ErrDataLoss, "vectorstore.Store.scanCentroid", sopErrors.WithCause(err))
			}
			out = append(out, rec)
		} else if c > centroidID {
			break
		}
		more, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return out, nil
}

// Search returns the k nearest records to query, scanning the nprobe
// nearest centroids' posting lists (coarse quantization ANN; spec §3
// supplement). filter, if non-nil, is applied to each candidate's
// payload before ranking and must return true to keep the candidate.
func (s *Store) Search(ctx context.Context, query []float64, k int, filter func(payload map[string]any) bool) ([]Hit, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VectorSearchDuration)

	cs, err := s.loadCentroids(ctx)
	if err != nil {
		return nil, err
	}

	probes := s.nearestCentroids(cs, query)
	var candidates []record
	for _, c := range probes {
		recs, err := s.scanCentroid(ctx, c)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, recs...)
	}

	hits := make([]Hit, 0, len(candidates))
	for _, rec := range candidates {
		if filter != nil && !filter(rec.Payload) {
			continue
		}
		hits = append(hits, Hit{ID: rec.ID, Score: distance(s.cfg.Metric, query, rec.Vector), Payload: rec.Payload})
	}

	ascending := s.cfg.Metric != MetricCosine
	sort.Slice(hits, func(i, j int) bool {
		if ascending {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].Score > hits[j].Score
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// nearestCentroids ranks every trained centroid against query and
// returns the ids of the nprobe closest, in ranked order. With no
// centroids trained, partition 0 is the only one that ever contains
// data (see assign), so that is what gets scanned.
func (s *Store) nearestCentroids(cs centroidSet, query []float64) []uint32 {
	if len(cs.Vectors) == 0 {
		return []uint32{0}
	}
	type scored struct {
		id   uint32
		dist float64
	}
	all := make([]scored, len(cs.Vectors))
	for i, v := range cs.Vectors {
		all[i] = scored{id: uint32(i), dist: distance(s.cfg.Metric, query, v)}
	}
	ascending := s.cfg.Metric != MetricCosine
	sort.Slice(all, func(i, j int) bool {
		if ascending {
			return all[i].dist < all[j].dist
		}
		return all[i].dist > all[j].dist
	})
	n := s.cfg.NProbe
	if n > len(all) {
		n = len(all)
	}
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].id
	}
	return out
}
