package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestStageNames(t *testing.T) {
	if len(StageNames) != StageCount {
		t.Fatalf("expected %d stage names, got %d", StageCount, len(StageNames))
	}
	if StageName(1) != "land_preparation" {
		t.Errorf("expected stage 1 land_preparation, got %s", StageName(1))
	}
	if StageName(7) != "harvest" {
		t.Errorf("expected stage 7 harvest, got %s", StageName(7))
	}
	if StageName(0) != "" || StageName(8) != "" {
		t.Error("expected empty name for out of range stage")
	}
	if ValidStage(0) || ValidStage(8) || !ValidStage(4) {
		t.Error("ValidStage bounds wrong")
	}
}

func TestNewStages(t *testing.T) {
	batchID := uuid.New()
	stages := NewStages(batchID)

	var got []StageStatus
	for i, st := range stages {
		if st.BatchID != batchID {
			t.Errorf("stage %d has wrong batch id", i+1)
		}
		if st.Number != i+1 {
			t.Errorf("expected number %d, got %d", i+1, st.Number)
		}
		got = append(got, st.Status)
	}
	want := []StageStatus{
		StageStatusOpen, StageStatusLocked, StageStatusLocked, StageStatusLocked,
		StageStatusLocked, StageStatusLocked, StageStatusLocked,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stage statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestVerdictImageStatus(t *testing.T) {
	tests := []struct {
		verdict Verdict
		want    ImageStatus
	}{
		{VerdictApproved, ImageStatusApproved},
		{VerdictRejected, ImageStatusRejected},
		{VerdictFlagged, ImageStatusFlagged},
		{Verdict("garbage"), ImageStatusFlagged},
	}
	for _, tt := range tests {
		if got := tt.verdict.ImageStatus(); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.verdict, tt.want, got)
		}
	}
}

func TestMergeProgress(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name          string
		existing      *EducationProgress
		percent       int
		wantPercent   int
		wantCompleted *time.Time
	}{
		{"first update", nil, 40, 40, nil},
		{"clamps high", nil, 140, 100, &now},
		{"clamps low", nil, -5, 0, nil},
		{"never decreases", &EducationProgress{Percent: 70}, 30, 70, nil},
		{"completes", &EducationProgress{Percent: 70}, 100, 100, &now},
		{"keeps first completion", &EducationProgress{Percent: 100, CompletedAt: &earlier}, 100, 100, &earlier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeProgress(tt.existing, tt.percent, now)
			if got.Percent != tt.wantPercent {
				t.Errorf("expected percent %d, got %d", tt.wantPercent, got.Percent)
			}
			if diff := cmp.Diff(tt.wantCompleted, got.CompletedAt); diff != "" {
				t.Errorf("completed_at mismatch (-want +got):\n%s", diff)
			}
			if !got.UpdatedAt.Equal(now) {
				t.Errorf("expected updated_at %v, got %v", now, got.UpdatedAt)
			}
		})
	}
}

func TestLimitOrDefault(t *testing.T) {
	if limitOrDefault(0, 50) != 50 {
		t.Error("expected default for zero")
	}
	if limitOrDefault(-1, 50) != 50 {
		t.Error("expected default for negative")
	}
	if limitOrDefault(5, 50) != 5 {
		t.Error("expected explicit limit")
	}
}
