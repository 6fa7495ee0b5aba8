package db

import (
	"encoding/json"
	"testing"
)

func TestFeatureString(t *testing.T) {
	tests := []struct {
		f    Feature
		want string
	}{
		{FeatureGet, "Get"},
		{FeatureGet | FeatureHas, "Get|Has"},
		{FeatureSave | 1<<40, "Save|Unknown"},
		{0, "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("Feature(%d).String() = %q, want %q", uint64(tt.f), got, tt.want)
		}
	}
}

func TestDatabaseInfoJSON(t *testing.T) {
	in := DatabaseInfo{
		Keys:              3,
		WriteIndex:        17,
		DbType:            ImplMaple,
		SupportedFeatures: []Feature{FeatureSet, FeatureGet | FeatureHas},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out DatabaseInfo
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if out.Keys != 3 || out.WriteIndex != 17 || out.DbType != ImplMaple {
		t.Errorf("got %+v", out)
	}
	if len(out.SupportedFeatures) != 2 || out.SupportedFeatures[1] != FeatureGet|FeatureHas {
		t.Errorf("features = %v", out.SupportedFeatures)
	}

	var f Feature
	if err := json.Unmarshal([]byte(`"Fly"`), &f); err == nil {
		t.Error("expected error for unknown feature")
	}
}
