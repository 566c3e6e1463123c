package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reportline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrGenerationMismatch means the draft was regenerated since the caller read it.
var ErrGenerationMismatch = errors.New("draft generation changed")

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

const draftColumns = `id,project_id,period_json,items_json,groups_json,summaries_json,body,iids_json,edited,generation,record_iid,record_url,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (domain.Draft, error) {
	var (
		d                                 domain.Draft
		periodJSON, itemsJSON, groupsJSON string
		sumsJSON, iidsJSON                string
		edited                            int
		recordIID                         sql.NullInt64
		recordURL                         sql.NullString
	)
	err := row.Scan(&d.ID, &d.ProjectID, &periodJSON, &itemsJSON, &groupsJSON, &sumsJSON, &d.Body, &iidsJSON,
		&edited, &d.Generation, &recordIID, &recordURL, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Edited = edited != 0
	if recordIID.Valid {
		iid := recordIID.Int64
		d.RecordIID = &iid
	}
	if recordURL.Valid {
		u := recordURL.String
		d.RecordURL = &u
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"period", periodJSON, &d.Period},
		{"items", itemsJSON, &d.Items},
		{"groups", groupsJSON, &d.Groups},
		{"summaries", sumsJSON, &d.Summaries},
		{"iids", iidsJSON, &d.IIDs},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return d, fmt.Errorf("decode draft %s %s: %w", d.ID, f.name, err)
		}
	}
	if d.Summaries == nil {
		d.Summaries = domain.Summaries{}
	}
	return d, nil
}

func marshalAll(values ...any) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = string(b)
	}
	return out, nil
}

// InsertDraft stores a new draft. CreatedAt/UpdatedAt are filled when empty.
func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	enc, err := marshalAll(d.Period, nonNilItems(d.Items), nonNilGroups(d.Groups), nonNilSummaries(d.Summaries), nonNilIIDs(d.IIDs))
	if err != nil {
		return err
	}
	if d.CreatedAt == "" {
		d.CreatedAt = now()
	}
	if d.UpdatedAt == "" {
		d.UpdatedAt = d.CreatedAt
	}
	if d.Generation == 0 {
		d.Generation = 1
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO drafts(`+draftColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, enc[0], enc[1], enc[2], enc[3], d.Body, enc[4], boolInt(d.Edited), d.Generation,
		nullableInt64Ptr(d.RecordIID), nullableStringPtr(d.RecordURL), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	return r.GetDraftTx(ctx, nil, id)
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, id string) (domain.Draft, error) {
	return scanDraft(r.conn(tx).QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id))
}

// ListDrafts returns a project's drafts, newest first.
func (r Repo) ListDrafts(ctx context.Context, projectID string, limit int) ([]domain.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE project_id=? ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// RegenerateDraft replaces a draft's content from a fresh generation. It clears
// summaries and the edited flag and bumps Generation, which invalidates any
// enrichment still running against the old content. The new generation is returned.
func (r Repo) RegenerateDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) (int64, error) {
	enc, err := marshalAll(d.Period, nonNilItems(d.Items), nonNilGroups(d.Groups), domain.Summaries{}, nonNilIIDs(d.IIDs))
	if err != nil {
		return 0, err
	}
	c := r.conn(tx)
	res, err := c.ExecContext(ctx, `UPDATE drafts SET period_json=?, items_json=?, groups_json=?, summaries_json=?, body=?, iids_json=?,
edited=0, generation=generation+1, updated_at=? WHERE id=?`,
		enc[0], enc[1], enc[2], enc[3], d.Body, enc[4], now(), d.ID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var gen int64
	if err := c.QueryRowContext(ctx, `SELECT generation FROM drafts WHERE id=?`, d.ID).Scan(&gen); err != nil {
		return 0, err
	}
	return gen, nil
}

// SaveSnapshot stores enrichment progress if the draft is still at generation.
// The body is only replaced while the draft has not been edited by hand.
func (r Repo) SaveSnapshot(ctx context.Context, tx *sql.Tx, id string, generation int64, summaries domain.Summaries, body string) error {
	enc, err := marshalAll(nonNilSummaries(summaries))
	if err != nil {
		return err
	}
	c := r.conn(tx)
	res, err := c.ExecContext(ctx, `UPDATE drafts SET summaries_json=?, body=CASE WHEN edited=0 THEN ? ELSE body END, updated_at=?
WHERE id=? AND generation=?`, enc[0], body, now(), id, generation)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetDraftTx(ctx, tx, id); err != nil {
		return err
	}
	return ErrGenerationMismatch
}

// SetDraftBody stores a hand-edited body and marks the draft edited.
func (r Repo) SetDraftBody(ctx context.Context, tx *sql.Tx, id, body string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE drafts SET body=?, edited=1, updated_at=? WHERE id=?`, body, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDraftRecord remembers the remote record a draft was reconciled into and the
// period carrying its id, so the next reconcile updates instead of creating.
// Like SaveSnapshot it only writes while the draft is still at generation.
func (r Repo) SetDraftRecord(ctx context.Context, tx *sql.Tx, id string, generation int64, period domain.Period, ref domain.RecordRef) error {
	enc, err := marshalAll(period)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE drafts SET period_json=?, record_iid=?, record_url=?, updated_at=? WHERE id=? AND generation=?`,
		enc[0], ref.IID, nullable(ref.WebURL), now(), id, generation)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetDraftTx(ctx, tx, id); err != nil {
		return err
	}
	return ErrGenerationMismatch
}

func (r Repo) DeleteDraft(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM drafts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertLinkAttempt(ctx context.Context, tx *sql.Tx, a domain.LinkAttempt) error {
	if a.TS == "" {
		a.TS = now()
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO link_attempts(draft_id,record_iid,target_iid,ok,error,ts) VALUES (?,?,?,?,?,?)`,
		a.DraftID, a.RecordIID, a.TargetIID, boolInt(a.OK), nullable(a.Error), a.TS)
	return err
}

// ListLinkAttempts returns a draft's link ledger in attempt order.
func (r Repo) ListLinkAttempts(ctx context.Context, draftID string) ([]domain.LinkAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,draft_id,record_iid,target_iid,ok,COALESCE(error,''),ts FROM link_attempts WHERE draft_id=? ORDER BY id ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LinkAttempt
	for rows.Next() {
		var a domain.LinkAttempt
		var ok int
		if err := rows.Scan(&a.ID, &a.DraftID, &a.RecordIID, &a.TargetIID, &ok, &a.Error, &a.TS); err != nil {
			return nil, err
		}
		a.OK = ok != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilItems(v []domain.WorkItem) []domain.WorkItem {
	if v == nil {
		return []domain.WorkItem{}
	}
	return v
}

func nonNilGroups(v []domain.Group) []domain.Group {
	if v == nil {
		return []domain.Group{}
	}
	return v
}

func nonNilSummaries(v domain.Summaries) domain.Summaries {
	if v == nil {
		return domain.Summaries{}
	}
	return v
}

func nonNilIIDs(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
