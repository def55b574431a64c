package correlate

import (
	"math/rand"
	"reflect"
	"testing"

	"precorsia/internal/catalog"
)

func acq(id string, ts int64) catalog.Acquisition {
	return catalog.Acquisition{ID: id, TimeStart: ts}
}

func TestBucketFloors(t *testing.T) {
	cases := []struct {
		ts   int64
		rf   int
		want int64
	}{
		{1234, 0, 1234},
		{1234, 1, 1230},
		{1234, 2, 1200},
		{1699999999999, 5, 1699999900000},
		{-1, 1, -10},
		{-10, 1, -10},
		{-11, 1, -20},
	}
	for _, tc := range cases {
		if got := Bucket(tc.ts, tc.rf); got != tc.want {
			t.Fatalf("Bucket(%d, %d) = %d, want %d", tc.ts, tc.rf, got, tc.want)
		}
	}
}

func TestValidateRoundFactor(t *testing.T) {
	if err := ValidateRoundFactor(-1); err == nil {
		t.Fatalf("expected error for negative factor")
	}
	if err := ValidateRoundFactor(MaxRoundFactor + 1); err == nil {
		t.Fatalf("expected error for oversized factor")
	}
	if err := ValidateRoundFactor(7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMatchDisjointBucketsIsEmpty(t *testing.T) {
	a := []catalog.Acquisition{acq("a1", 100), acq("a2", 150)}
	b := []catalog.Acquisition{acq("b1", 250), acq("b2", 399)}

	gotA, gotB := Match(a, b, 2)
	if gotA == nil || gotB == nil {
		t.Fatalf("expected empty non-nil slices")
	}
	if len(gotA) != 0 || len(gotB) != 0 {
		t.Fatalf("expected no matches, got %v and %v", gotA, gotB)
	}
}

func TestMatchKeepsInputOrder(t *testing.T) {
	a := []catalog.Acquisition{acq("a3", 320), acq("a1", 101), acq("a2", 555)}
	b := []catalog.Acquisition{acq("b1", 109), acq("b2", 300)}

	gotA, gotB := Match(a, b, 2)
	want := []catalog.Acquisition{acq("a3", 320), acq("a1", 101)}
	if !reflect.DeepEqual(gotA, want) {
		t.Fatalf("unexpected series a %v", gotA)
	}
	if !reflect.DeepEqual(gotB, b) {
		t.Fatalf("unexpected series b %v", gotB)
	}
}

func TestMatchOutputBucketsAppearInBothInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		rf := rng.Intn(4)
		var a, b []catalog.Acquisition
		for i := 0; i < 30; i++ {
			a = append(a, acq("a", rng.Int63n(20000)-5000))
			b = append(b, acq("b", rng.Int63n(20000)-5000))
		}
		setA := bucketSet(a, rf)
		setB := bucketSet(b, rf)

		gotA, gotB := Match(a, b, rf)
		for _, r := range append(gotA, gotB...) {
			k := Bucket(r.TimeStart, rf)
			_, inA := setA[k]
			_, inB := setB[k]
			if !inA || !inB {
				t.Fatalf("record %v bucket %d missing from an input series", r, k)
			}
		}
		// every record whose bucket is shared must survive
		wantA := 0
		for _, r := range a {
			if _, ok := setB[Bucket(r.TimeStart, rf)]; ok {
				wantA++
			}
		}
		if len(gotA) != wantA {
			t.Fatalf("expected %d survivors in a, got %d", wantA, len(gotA))
		}
	}
}

func TestConnectedCorrelationGroupsAllIDs(t *testing.T) {
	a := []catalog.Acquisition{acq("A3", 300), acq("A1", 100), acq("A2", 105), acq("A4", 900)}
	b := []catalog.Acquisition{acq("B1", 101), acq("B2", 304), acq("B3", 500)}

	got := ConnectedCorrelation(a, b, 1)
	want := []BucketPairing{
		{Bucket: 100, SeriesA: []string{"A1", "A2"}, SeriesB: []string{"B1"}},
		{Bucket: 300, SeriesA: []string{"A3"}, SeriesB: []string{"B2"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected pairings:\n got %+v\nwant %+v", got, want)
	}
}

func TestConnectedCorrelationNoOverlap(t *testing.T) {
	got := ConnectedCorrelation([]catalog.Acquisition{acq("a", 1)}, []catalog.Acquisition{acq("b", 99)}, 1)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty pairings, got %v", got)
	}
}
