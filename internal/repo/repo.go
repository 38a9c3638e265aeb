package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"siteline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleVersion reports a compare-and-swap update that lost to a
// concurrent writer.
var ErrStaleVersion = errors.New("stale version")

const siteColumns = `id,site_id,name,address,owner_name,owner_phone,status,visit_date,checklist_json,tech_assessment_json,decision_json,installation_json,deployment_json,version,created_at,updated_at`

type siteScanner interface {
	Scan(dest ...any) error
}

func scanSite(row siteScanner) (domain.Site, error) {
	var s domain.Site
	var address, ownerName, ownerPhone sql.NullString
	var visitDate, checklist, tech, decision, installation, deployment sql.NullString
	err := row.Scan(&s.ID, &s.SiteID, &s.Name, &address, &ownerName, &ownerPhone, &s.Status,
		&visitDate, &checklist, &tech, &decision, &installation, &deployment,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if address.Valid {
		s.Address = address.String
	}
	if ownerName.Valid {
		s.OwnerName = ownerName.String
	}
	if ownerPhone.Valid {
		s.OwnerPhone = ownerPhone.String
	}
	if visitDate.Valid {
		s.VisitDate = &visitDate.String
	}
	if checklist.Valid {
		s.ChecklistJSON = &checklist.String
	}
	if tech.Valid {
		s.TechAssessmentJSON = &tech.String
	}
	if decision.Valid {
		s.DecisionJSON = &decision.String
	}
	if installation.Valid {
		s.InstallationJSON = &installation.String
	}
	if deployment.Valid {
		s.DeploymentJSON = &deployment.String
	}
	return s, nil
}

func (r Repo) InsertSite(ctx context.Context, tx *sql.Tx, s domain.Site) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sites(`+siteColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.SiteID, s.Name, nullable(s.Address), nullable(s.OwnerName), nullable(s.OwnerPhone), s.Status,
		nullableStringPtr(s.VisitDate), nullableStringPtr(s.ChecklistJSON), nullableStringPtr(s.TechAssessmentJSON),
		nullableStringPtr(s.DecisionJSON), nullableStringPtr(s.InstallationJSON), nullableStringPtr(s.DeploymentJSON),
		s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	return scanSite(r.DB.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id=?`, id))
}

func (r Repo) GetSiteTx(ctx context.Context, tx *sql.Tx, id string) (domain.Site, error) {
	return scanSite(tx.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id=?`, id))
}

// GetSiteByCode looks a site up by its human-assigned code.
func (r Repo) GetSiteByCode(ctx context.Context, siteID string) (domain.Site, error) {
	return scanSite(r.DB.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE site_id=? ORDER BY created_at DESC LIMIT 1`, siteID))
}

type SiteFilters struct {
	Status          string
	Limit           int
	CursorUpdatedAt string
	CursorID        string
}

// ListSites returns sites ordered by updated_at descending, the order
// subscribers and list views consume.
func (r Repo) ListSites(ctx context.Context, f SiteFilters) ([]domain.Site, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorUpdatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(updated_at < ? OR (updated_at = ? AND id < ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + siteColumns + ` FROM sites ` + where + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSite writes the full mutable column set, guarded by the version
// the caller read. A concurrent writer that already bumped the version
// makes this return ErrStaleVersion and nothing is written.
func (r Repo) UpdateSite(ctx context.Context, tx *sql.Tx, s domain.Site, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE sites SET site_id=?, name=?, address=?, owner_name=?, owner_phone=?, status=?, visit_date=?, checklist_json=?, tech_assessment_json=?, decision_json=?, installation_json=?, deployment_json=?, version=?, updated_at=? WHERE id=? AND version=?`,
		s.SiteID, s.Name, nullable(s.Address), nullable(s.OwnerName), nullable(s.OwnerPhone), s.Status,
		nullableStringPtr(s.VisitDate), nullableStringPtr(s.ChecklistJSON), nullableStringPtr(s.TechAssessmentJSON),
		nullableStringPtr(s.DecisionJSON), nullableStringPtr(s.InstallationJSON), nullableStringPtr(s.DeploymentJSON),
		s.Version, s.UpdatedAt, s.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

// DeleteSite removes the site document only. Photos are left in place on
// purpose; there is no cascade.
func (r Repo) DeleteSite(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM sites WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertPhoto(ctx context.Context, tx *sql.Tx, p domain.Photo) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO photos(id,site_id,category,image_data,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.SiteID, p.Category, p.ImageData, p.CreatedAt)
	return err
}

type PhotoFilters struct {
	SiteID   string
	Category string
}

// ListPhotos returns photos for a site, oldest first so that the latest
// capture per category wins when a consumer folds them into a view.
func (r Repo) ListPhotos(ctx context.Context, f PhotoFilters) ([]domain.Photo, error) {
	clauses := []string{"site_id=?"}
	args := []any{f.SiteID}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	query := `SELECT id,site_id,category,image_data,created_at FROM photos WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Photo
	for rows.Next() {
		var p domain.Photo
		if err := rows.Scan(&p.ID, &p.SiteID, &p.Category, &p.ImageData, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, siteID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if siteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, siteID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,site_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, siteID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if siteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, siteID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,site_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var siteID, entityID, payload sql.NullString
	if err := rows.Scan(&e.ID, &e.TS, &e.Type, &siteID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	if siteID.Valid {
		e.SiteID = siteID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
