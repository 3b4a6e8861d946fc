package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	id            UUID PRIMARY KEY,
	mrn           TEXT NOT NULL,
	first_name    TEXT NOT NULL,
	last_name     TEXT NOT NULL,
	date_of_birth TEXT NOT NULL,
	last_updated  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	medical_data  JSONB
);
CREATE UNIQUE INDEX IF NOT EXISTS patients_mrn_key ON patients (lower(mrn));
CREATE INDEX IF NOT EXISTS patients_last_updated_idx ON patients (last_updated DESC);`

const patientCols = `id, mrn, first_name, last_name, date_of_birth, last_updated, medical_data`

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgRepo struct{ db queryable }

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &pgRepo{db: pool}
}

// Migrate creates the patients table when it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate patients: %w", err)
	}
	return nil
}

func scanPatient(row pgx.Row) (Patient, error) {
	var p Patient
	var id uuid.UUID
	var data []byte
	err := row.Scan(&id, &p.MRN, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.LastUpdated, &data)
	if err != nil {
		return Patient{}, mapPgErr(err)
	}
	p.ID = id.String()
	p.LastUpdated = p.LastUpdated.UTC()
	if len(data) > 0 {
		p.MedicalData = data
	}
	return p, nil
}

// mapPgErr turns driver errors into the package's sentinel errors.
func mapPgErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrMRNExists
	}
	return err
}

func parseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, ErrNotFound
	}
	return u, nil
}

func (r *pgRepo) Create(ctx context.Context, req CreateRequest) (Patient, error) {
	return scanPatient(r.db.QueryRow(ctx, `
		INSERT INTO patients (id, mrn, first_name, last_name, date_of_birth)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+patientCols,
		uuid.New(), strings.TrimSpace(req.MRN), req.FirstName, req.LastName, req.DateOfBirth))
}

func (r *pgRepo) Get(ctx context.Context, id string) (Patient, error) {
	u, err := parseID(id)
	if err != nil {
		return Patient{}, err
	}
	return scanPatient(r.db.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, u))
}

func (r *pgRepo) List(ctx context.Context) ([]Patient, error) {
	rows, err := r.db.Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY last_updated DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgRepo) Update(ctx context.Context, id string, req UpdateRequest) (Patient, error) {
	u, err := parseID(id)
	if err != nil {
		return Patient{}, err
	}
	var mrn *string
	if req.MRN != nil {
		m := strings.TrimSpace(*req.MRN)
		mrn = &m
	}
	var data []byte
	if req.MedicalData != nil {
		data = req.MedicalData
	}
	return scanPatient(r.db.QueryRow(ctx, `
		UPDATE patients SET
			mrn           = COALESCE($2, mrn),
			first_name    = COALESCE($3, first_name),
			last_name     = COALESCE($4, last_name),
			date_of_birth = COALESCE($5, date_of_birth),
			medical_data  = COALESCE($6::jsonb, medical_data),
			last_updated  = NOW()
		WHERE id = $1
		RETURNING `+patientCols,
		u, mrn, req.FirstName, req.LastName, req.DateOfBirth, data))
}

func (r *pgRepo) Delete(ctx context.Context, id string) error {
	u, err := parseID(id)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM patients WHERE id = $1`, u)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
