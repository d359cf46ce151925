package mariadb

import (
	"testing"

	"github.com/kozaktomas/face-attendance/internal/database"
)

func TestParseDescriptors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantDim int
		wantErr bool
	}{
		{"single", "[0.1, 0.2, 0.3]", 1, 3, false},
		{"list", "[[0.1, 0.2], [0.3, 0.4]]", 2, 2, false},
		{"empty string", "", 0, 0, false},
		{"empty array", "[]", 0, 0, false},
		{"whitespace", "  [1,2]\n", 1, 2, false},
		{"garbage", "not json", 0, 0, true},
		{"object", `{"a": 1}`, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDescriptors(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDescriptors() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Fatalf("ParseDescriptors() = %d descriptors, want %d", len(got), tt.want)
			}
			if tt.want > 0 && len(got[0]) != tt.wantDim {
				t.Errorf("dim = %d, want %d", len(got[0]), tt.wantDim)
			}
		})
	}
}

func TestEmployee_Identity(t *testing.T) {
	e := Employee{
		EmployeeID:     "EMP-001",
		FirstName:      "Jana",
		LastName:       "Nováková",
		Department:     "Finance",
		Position:       "Accountant",
		FaceDescriptor: "[0.5, 0.25]",
	}

	identity, err := e.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if identity.DisplayName != "Jana Nováková" {
		t.Errorf("DisplayName = %q", identity.DisplayName)
	}
	if identity.ID != IdentityID("EMP-001") {
		t.Error("identity ID is not derived from the employee ID")
	}
	if identity.Metadata[database.MetaExternalID] != "EMP-001" || identity.Department() != "Finance" {
		t.Errorf("Metadata = %v", identity.Metadata)
	}
	if !identity.Active || identity.Dim() != 2 {
		t.Errorf("identity = %+v", identity)
	}
}

func TestIdentityID_Stable(t *testing.T) {
	if IdentityID("EMP-001") != IdentityID("EMP-001") {
		t.Error("IdentityID() is not deterministic")
	}
	if IdentityID("EMP-001") == IdentityID("EMP-002") {
		t.Error("IdentityID() collides for different employees")
	}
}
