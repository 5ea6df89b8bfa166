package main

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStatusFields(t *testing.T) {
	var status interface{}
	msg := `{"Az": 181.5, "El": 40, "AzMode": "ProgramTrack", "ElMode": "ProgramTrack", "Remote": true,
		"scan": {"id": "b5d1", "phase": "steady", "points": 360, "error": null}, "list": [1, 2]}`
	if err := json.Unmarshal([]byte(msg), &status); err != nil {
		t.Fatal(err)
	}
	tags, fields := statusFields(status)

	wantTags := map[string]string{"AzMode": "ProgramTrack", "ElMode": "ProgramTrack", "scan.phase": "steady"}
	if diff := cmp.Diff(tags, wantTags); diff != "" {
		t.Errorf("tags (got(-)/want(+)):\n%s", diff)
	}
	wantFields := map[string]interface{}{
		"Az":          181.5,
		"El":          40.0,
		"Remote":      true,
		"scan.id":     "b5d1",
		"scan.points": 360.0,
		"list.0":      1.0,
		"list.1":      2.0,
	}
	if diff := cmp.Diff(fields, wantFields); diff != "" {
		t.Errorf("fields (got(-)/want(+)):\n%s", diff)
	}
}
