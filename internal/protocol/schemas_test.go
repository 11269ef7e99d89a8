package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"claimsync.ai/internal/model"
	"claimsync.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(doc); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	validate(compile("claim_create.schema.json"), protocol.ClaimCreateMsg{
		IdentityID: "p1",
		RequestID:  "r1",
		World:      "overworld",
		MaxX:       15,
		MaxZ:       15,
		Name:       "home",
	})

	claim := model.Claim{
		ID:        "c1",
		OwnerID:   "p1",
		OwnerName: "Pat",
		World:     "overworld",
		MaxX:      15,
		MaxZ:      15,
		CreatedAt: 1,
		UpdatedAt: 2,
		Permissions: map[string]model.Permission{
			"p2": {SubjectID: "p2", SubjectName: "Sam", CanBuild: true},
		},
	}
	validate(compile("claim_sync_response.schema.json"), protocol.ClaimSyncResponseMsg{
		Claims:       []model.Claim{claim},
		Parties:      []model.Party{{ID: "pt1", Name: "crew", LeaderID: "p1", Members: []string{"p2"}, MaxMembers: 8}},
		TotalBatches: 1,
		FullSync:     true,
		SyncTime:     3,
	})

	validate(compile("error.schema.json"), protocol.ErrorMsg{Code: protocol.ErrClaimOverlap, Message: "overlaps claim of Pat"})
}
