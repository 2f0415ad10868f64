package model

import "testing"

func TestPlanSegmentsCoversWholeRangeExactlyOnce(t *testing.T) {
	segments := PlanSegments(1000, 3)
	var sum int64
	var cursor int64
	for _, s := range segments {
		if s.Start != cursor {
			t.Fatalf("gap or overlap at segment %d: start=%d, expected %d", s.Index, s.Start, cursor)
		}
		sum += s.Length()
		cursor = s.End + 1
	}
	if sum != 1000 {
		t.Fatalf("expected total 1000 bytes covered, got %d", sum)
	}
}

func TestPlanSegmentsClampsToTotalWhenNExceedsSize(t *testing.T) {
	segments := PlanSegments(3, 8)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments for a 3-byte file, got %d", len(segments))
	}
}

func TestPlanSegmentsZeroTotalReturnsNil(t *testing.T) {
	if segments := PlanSegments(0, 4); segments != nil {
		t.Fatalf("expected nil segments for zero total, got %v", segments)
	}
}

func TestPlanSegmentsSingleConnection(t *testing.T) {
	segments := PlanSegments(500, 1)
	if len(segments) != 1 || segments[0].Start != 0 || segments[0].End != 499 {
		t.Fatalf("unexpected single segment: %+v", segments)
	}
}
