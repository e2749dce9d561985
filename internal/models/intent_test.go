package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSliceAmount(t *testing.T) {
	i := Intent{
		AmountPerSlice:  decimal.RequireFromString("100"),
		RemainingAmount: decimal.RequireFromString("250"),
	}
	if got := i.SliceAmount(); !got.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("full slice: got %s", got)
	}

	i.RemainingAmount = decimal.RequireFromString("50")
	if got := i.SliceAmount(); !got.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("final slice should be the remainder: got %s", got)
	}
}

func TestJobKeyForBucketsByWindow(t *testing.T) {
	window := time.Minute
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	k1 := JobKeyFor("intent-1", base, window)
	k2 := JobKeyFor("intent-1", base.Add(40*time.Second), window)
	if k1 != k2 {
		t.Fatalf("ticks in the same window must share a key: %s vs %s", k1, k2)
	}

	k3 := JobKeyFor("intent-1", base.Add(time.Minute), window)
	if k1 == k3 {
		t.Fatalf("next window must get a new key")
	}

	k4 := JobKeyFor("intent-2", base, window)
	if k1 == k4 {
		t.Fatalf("different intents must never share a key")
	}
}
