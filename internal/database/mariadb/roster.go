package mariadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// identityNamespace derives stable identity IDs from HR employee IDs so repeated
// syncs update the same identity.
var identityNamespace = uuid.MustParse("6f1c1d7e-3b53-4c8e-9a55-1f0a4d8e2b90")

// IdentityID returns the identity ID for an HR employee ID.
func IdentityID(employeeID string) string {
	return uuid.NewSHA1(identityNamespace, []byte(employeeID)).String()
}

// Employee is a row of the HR employees table.
type Employee struct {
	EmployeeID     string
	FirstName      string
	LastName       string
	Department     string
	Position       string
	FaceDescriptor string
}

// ParseDescriptors accepts a single descriptor ([f, f, ...]) or a list of them ([[...], [...]]).
func ParseDescriptors(raw string) ([][]float32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var many [][]float32
	if err := json.Unmarshal([]byte(raw), &many); err == nil {
		return many, nil
	}
	var one []float32
	if err := json.Unmarshal([]byte(raw), &one); err != nil {
		return nil, fmt.Errorf("decode face descriptor: %w", err)
	}
	if len(one) == 0 {
		return nil, nil
	}
	return [][]float32{one}, nil
}

// Identity converts the employee into an identity.
func (e Employee) Identity() (database.Identity, error) {
	descriptors, err := ParseDescriptors(e.FaceDescriptor)
	if err != nil {
		return database.Identity{}, err
	}
	return database.Identity{
		ID:          IdentityID(e.EmployeeID),
		DisplayName: strings.TrimSpace(e.FirstName + " " + e.LastName),
		Descriptors: descriptors,
		Metadata: map[string]string{
			database.MetaExternalID: e.EmployeeID,
			database.MetaDepartment: e.Department,
			database.MetaPosition:   e.Position,
		},
		Active: true,
	}, nil
}

// Employees returns active employees that have a face descriptor on file.
func (p *Pool) Employees(ctx context.Context) ([]Employee, error) {
	query := `
		SELECT employee_id, first_name, last_name,
		       COALESCE(department, ''), COALESCE(position, ''), face_descriptor
		FROM employees
		WHERE is_active = 1 AND face_descriptor IS NOT NULL
		ORDER BY id
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query employees: %w", err)
	}
	defer rows.Close()

	var employees []Employee
	for rows.Next() {
		var (
			e    Employee
			desc sql.NullString
		)
		if err := rows.Scan(&e.EmployeeID, &e.FirstName, &e.LastName, &e.Department, &e.Position, &desc); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.FaceDescriptor = desc.String
		employees = append(employees, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return employees, nil
}

// ListActive returns the roster as identities. Employees whose descriptor
// cannot be decoded are logged and skipped.
func (p *Pool) ListActive(ctx context.Context) ([]database.Identity, error) {
	employees, err := p.Employees(ctx)
	if err != nil {
		return nil, err
	}

	identities := make([]database.Identity, 0, len(employees))
	for _, e := range employees {
		identity, err := e.Identity()
		if err != nil {
			slog.Warn("skipping employee with invalid face descriptor", "employee_id", e.EmployeeID, "error", err)
			continue
		}
		if len(identity.Descriptors) == 0 {
			continue
		}
		identities = append(identities, identity)
	}
	return identities, nil
}
