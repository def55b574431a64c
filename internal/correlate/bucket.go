package correlate

import (
	"fmt"
	"sort"

	"precorsia/internal/catalog"
)

// MaxRoundFactor is the largest power of ten that fits a bucket width in int64.
const MaxRoundFactor = 18

// BucketPairing lists every id of each series that falls into one shared bucket.
type BucketPairing struct {
	Bucket  int64    `json:"bucket"`
	SeriesA []string `json:"series_a"`
	SeriesB []string `json:"series_b"`
}

// ValidateRoundFactor rejects factors whose bucket width would not fit in int64.
func ValidateRoundFactor(roundFactor int) error {
	if roundFactor < 0 || roundFactor > MaxRoundFactor {
		return fmt.Errorf("round factor %d out of range [0, %d]", roundFactor, MaxRoundFactor)
	}
	return nil
}

// BucketWidth returns 10^roundFactor, clamped to the valid factor range.
func BucketWidth(roundFactor int) int64 {
	if roundFactor < 0 {
		roundFactor = 0
	}
	if roundFactor > MaxRoundFactor {
		roundFactor = MaxRoundFactor
	}
	k := int64(1)
	for i := 0; i < roundFactor; i++ {
		k *= 10
	}
	return k
}

// Bucket truncates t to a multiple of the bucket width, rounding toward negative infinity.
func Bucket(t int64, roundFactor int) int64 {
	k := BucketWidth(roundFactor)
	q := t / k
	if t%k != 0 && t < 0 {
		q--
	}
	return q * k
}

func bucketSet(recs []catalog.Acquisition, roundFactor int) map[int64]struct{} {
	set := make(map[int64]struct{}, len(recs))
	for _, r := range recs {
		set[Bucket(r.TimeStart, roundFactor)] = struct{}{}
	}
	return set
}

func commonBuckets(a, b []catalog.Acquisition, roundFactor int) map[int64]struct{} {
	setA := bucketSet(a, roundFactor)
	setB := bucketSet(b, roundFactor)
	common := make(map[int64]struct{})
	for k := range setA {
		if _, ok := setB[k]; ok {
			common[k] = struct{}{}
		}
	}
	return common
}

func keepBuckets(recs []catalog.Acquisition, buckets map[int64]struct{}, roundFactor int) []catalog.Acquisition {
	out := make([]catalog.Acquisition, 0, len(recs))
	for _, r := range recs {
		if _, ok := buckets[Bucket(r.TimeStart, roundFactor)]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Match keeps the records of each series whose bucket also occurs in the other
// series. Input order is preserved; an empty overlap yields two empty slices.
func Match(seriesA, seriesB []catalog.Acquisition, roundFactor int) ([]catalog.Acquisition, []catalog.Acquisition) {
	common := commonBuckets(seriesA, seriesB, roundFactor)
	return keepBuckets(seriesA, common, roundFactor), keepBuckets(seriesB, common, roundFactor)
}

// ConnectedCorrelation groups both series by shared bucket. Pairings come out in
// ascending bucket order; ids inside a side keep their input order.
func ConnectedCorrelation(seriesA, seriesB []catalog.Acquisition, roundFactor int) []BucketPairing {
	common := commonBuckets(seriesA, seriesB, roundFactor)
	if len(common) == 0 {
		return []BucketPairing{}
	}

	byBucket := make(map[int64]*BucketPairing, len(common))
	for k := range common {
		byBucket[k] = &BucketPairing{Bucket: k}
	}
	for _, r := range seriesA {
		if p, ok := byBucket[Bucket(r.TimeStart, roundFactor)]; ok {
			p.SeriesA = append(p.SeriesA, r.ID)
		}
	}
	for _, r := range seriesB {
		if p, ok := byBucket[Bucket(r.TimeStart, roundFactor)]; ok {
			p.SeriesB = append(p.SeriesB, r.ID)
		}
	}

	out := make([]BucketPairing, 0, len(byBucket))
	for _, p := range byBucket {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
