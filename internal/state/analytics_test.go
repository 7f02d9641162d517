package state

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"
)

var testHour = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func TestManager_UpsertHourlyFootfall(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	if err := mgr.UpsertHourlyFootfall(ctx, "cam-1", testHour, 4); err != nil {
		t.Fatalf("UpsertHourlyFootfall failed: %v", err)
	}
	// overwrite, not add
	if err := mgr.UpsertHourlyFootfall(ctx, "cam-1", testHour, 6); err != nil {
		t.Fatalf("UpsertHourlyFootfall failed: %v", err)
	}
	if err := mgr.UpsertHourlyFootfall(ctx, "cam-1", testHour.Add(time.Hour), 1); err != nil {
		t.Fatalf("UpsertHourlyFootfall failed: %v", err)
	}
	if err := mgr.UpsertHourlyFootfall(ctx, "cam-2", testHour, 2); err != nil {
		t.Fatalf("UpsertHourlyFootfall failed: %v", err)
	}

	rows, err := mgr.GetHourlyFootfall(ctx, "cam-1", testHour, testHour.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("GetHourlyFootfall failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %+v", rows)
	}
	if rows[0].UniqueCount != 6 || !rows[0].Hour.Equal(testHour) {
		t.Errorf("Unexpected first row %+v", rows[0])
	}

	all, _ := mgr.GetHourlyFootfall(ctx, "", testHour, testHour.Add(time.Hour))
	if len(all) != 2 {
		t.Errorf("Expected both cameras in the first hour, got %+v", all)
	}
}

func TestManager_MergeHourlyDemographics(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	if err := mgr.MergeHourlyDemographics(ctx, "cam-1", testHour, map[string]int{"female_adult": 2}); err != nil {
		t.Fatalf("MergeHourlyDemographics failed: %v", err)
	}
	if err := mgr.MergeHourlyDemographics(ctx, "cam-1", testHour, map[string]int{"female_adult": 1, "male_child": 3}); err != nil {
		t.Fatalf("MergeHourlyDemographics failed: %v", err)
	}
	if err := mgr.MergeHourlyDemographics(ctx, "cam-1", testHour, nil); err != nil {
		t.Fatalf("Empty merge should be a no-op: %v", err)
	}

	rows, err := mgr.GetHourlyDemographics(ctx, "cam-1", testHour, testHour.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetHourlyDemographics failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %+v", rows)
	}
	want := map[string]int{"female_adult": 3, "male_child": 3}
	if !reflect.DeepEqual(rows[0].Counts, want) {
		t.Errorf("Expected %v, got %v", want, rows[0].Counts)
	}
}

func TestManager_MergeHourlyDemographics_Concurrent(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgr.MergeHourlyDemographics(ctx, "cam-1", testHour, map[string]int{"male_adult": 1}); err != nil {
				t.Errorf("MergeHourlyDemographics failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rows, err := mgr.GetHourlyDemographics(ctx, "cam-1", testHour, testHour.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetHourlyDemographics failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Counts["male_adult"] != 10 {
		t.Errorf("Expected 10 after concurrent merges, got %+v", rows)
	}
}
