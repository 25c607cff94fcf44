package config

import "testing"

func TestQualityValid(t *testing.T) {
	cases := []struct {
		q     Quality
		valid bool
	}{
		{QualityLow, true},
		{QualityMedium, true},
		{QualityHigh, true},
		{0, false},
		{42, false},
	}
	for _, tc := range cases {
		if got := tc.q.Valid(); got != tc.valid {
			t.Errorf("Quality(%d).Valid() = %v, want %v", tc.q, got, tc.valid)
		}
	}
}

func TestDefaultStreamConfig(t *testing.T) {
	sc := DefaultStreamConfig(3, 5002)
	if sc.StreamID != 3 || sc.ListenPort != 5002 {
		t.Fatalf("unexpected identity: %+v", sc)
	}
	if sc.DefaultWidth%2 != 0 || sc.DefaultHeight%2 != 0 {
		t.Fatalf("default resolution must be even: %dx%d", sc.DefaultWidth, sc.DefaultHeight)
	}
	if sc.DisplayName != "Camera 3" {
		t.Fatalf("unexpected display name: %q", sc.DisplayName)
	}
	if !sc.DefaultAudio.Enabled {
		t.Fatalf("expected audio enabled by default")
	}
}
