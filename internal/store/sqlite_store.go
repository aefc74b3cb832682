package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// SQLiteStore persists batches, documents, pages and rotation overrides in a
// single SQLite file. The guard mutex serializes batch creation so that
// concurrent submitters share one processing batch per kind.
type SQLiteStore struct {
	path string

	mu sync.Mutex
	db *sql.DB

	guardMu sync.Mutex
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return err
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS batches (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending_processing',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS single_documents (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id INTEGER NOT NULL REFERENCES batches(id),
  source_hash TEXT NOT NULL,
  source_path TEXT NOT NULL DEFAULT '',
  ocr_text TEXT NOT NULL DEFAULT '',
  ocr_signature TEXT NOT NULL DEFAULT '',
  rotation INTEGER NOT NULL DEFAULT 0,
  ai_category TEXT NOT NULL DEFAULT '',
  ai_filename TEXT NOT NULL DEFAULT '',
  ai_summary TEXT NOT NULL DEFAULT '',
  ai_confidence REAL NOT NULL DEFAULT 0,
  final_category TEXT NOT NULL DEFAULT '',
  final_filename TEXT NOT NULL DEFAULT '',
  searchable_pdf_path TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT 'new',
  error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(batch_id, source_hash)
);

CREATE TABLE IF NOT EXISTS documents (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id INTEGER NOT NULL REFERENCES batches(id),
  name TEXT NOT NULL,
  final_category TEXT NOT NULL DEFAULT '',
  position INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS document_pages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  artifact_hash TEXT NOT NULL,
  page_index INTEGER NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  rotation INTEGER NOT NULL DEFAULT 0,
  ocr_text TEXT NOT NULL DEFAULT '',
  ocr_signature TEXT NOT NULL DEFAULT '',
  position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS intake_rotations (
  artifact_hash TEXT NOT NULL,
  page_index INTEGER NOT NULL,
  angle INTEGER NOT NULL,
  PRIMARY KEY (artifact_hash, page_index)
);

CREATE TABLE IF NOT EXISTS interaction_log (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  event TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_batches_kind_status ON batches(kind, status);
CREATE INDEX IF NOT EXISTS idx_single_documents_batch ON single_documents(batch_id);
CREATE INDEX IF NOT EXISTS idx_single_documents_hash ON single_documents(batch_id, source_hash);
CREATE INDEX IF NOT EXISTS idx_documents_batch ON documents(batch_id, position);
CREATE INDEX IF NOT EXISTS idx_document_pages_document ON document_pages(document_id, position);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) ensureDB(ctx context.Context) (*sql.DB, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("sqlite db not initialized")
	}
	return s.db, nil
}

// reusableStatuses are the batch statuses a new submission may attach to.
// Exported and failed batches are terminal.
var reusableStatuses = []string{
	protocol.BatchStatusPendingProcessing,
	protocol.BatchStatusPendingVerification,
	protocol.BatchStatusPendingGrouping,
	protocol.BatchStatusPendingOrdering,
	protocol.BatchStatusPendingExport,
}

// GetOrCreateProcessingBatch returns the open batch for kind, creating one
// when none qualifies. The guard mutex plus the transaction re-check keep
// creation single-winner under concurrent callers.
func (s *SQLiteStore) GetOrCreateProcessingBatch(ctx context.Context, kind string) (model.Batch, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.Batch{}, err
	}

	s.guardMu.Lock()
	defer s.guardMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.Batch{}, err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimRight(strings.Repeat("?,", len(reusableStatuses)), ",")
	args := make([]any, 0, len(reusableStatuses)+1)
	args = append(args, kind)
	for _, st := range reusableStatuses {
		args = append(args, st)
	}

	var b model.Batch
	var createdAt, updatedAt int64
	row := tx.QueryRowContext(ctx, `
		SELECT b.id, b.kind, b.status, b.created_at, b.updated_at
		FROM batches b
		WHERE b.kind = ? AND b.status IN (`+placeholders+`)
		  AND NOT EXISTS (
		    SELECT 1 FROM single_documents d
		    WHERE d.batch_id = b.id AND d.state = ?
		  )
		ORDER BY b.id
		LIMIT 1`,
		append(args, protocol.DocStateExported)...,
	)
	err = row.Scan(&b.ID, &b.Kind, &b.Status, &createdAt, &updatedAt)
	switch {
	case err == nil:
		b.CreatedAt = time.Unix(createdAt, 0)
		b.UpdatedAt = time.Unix(updatedAt, 0)
		return b, tx.Commit()
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return model.Batch{}, err
	}

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches(kind, status, created_at, updated_at) VALUES(?, ?, ?, ?)`,
		kind, protocol.BatchStatusPendingProcessing, now, now,
	)
	if err != nil {
		return model.Batch{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Batch{}, err
	}
	return model.Batch{
		ID:        id,
		Kind:      kind,
		Status:    protocol.BatchStatusPendingProcessing,
		CreatedAt: time.Unix(now, 0),
		UpdatedAt: time.Unix(now, 0),
	}, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id int64) (model.Batch, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.Batch{}, err
	}

	var b model.Batch
	var createdAt, updatedAt int64
	row := db.QueryRowContext(ctx,
		`SELECT id, kind, status, created_at, updated_at FROM batches WHERE id = ?`, id)
	if err := row.Scan(&b.ID, &b.Kind, &b.Status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Batch{}, model.ErrNotFound
		}
		return model.Batch{}, err
	}
	b.CreatedAt = time.Unix(createdAt, 0)
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return b, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context) ([]model.Batch, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, kind, status, created_at, updated_at FROM batches ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Batch
	for rows.Next() {
		var b model.Batch
		var createdAt, updatedAt int64
		if err := rows.Scan(&b.ID, &b.Kind, &b.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(createdAt, 0)
		b.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}

// TransitionBatch moves a batch from one status to another atomically. A
// mismatch on the current status reports ErrNotFound so callers can surface
// a conflict instead of silently racing.
func (s *SQLiteStore) TransitionBatch(ctx context.Context, id int64, from, to string) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().Unix(), id, from,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SweepEmptyProcessingBatches deletes pending batches that never received a
// document, typically left behind by a crashed or cancelled run.
func (s *SQLiteStore) SweepEmptyProcessingBatches(ctx context.Context) (int, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, `
		DELETE FROM batches
		WHERE status = ?
		  AND NOT EXISTS (SELECT 1 FROM single_documents d WHERE d.batch_id = batches.id)
		  AND NOT EXISTS (SELECT 1 FROM documents g WHERE g.batch_id = batches.id)`,
		protocol.BatchStatusPendingProcessing,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) InsertSingleDocument(ctx context.Context, doc model.SingleDocument) (int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	_, err = db.ExecContext(ctx, `
		INSERT INTO single_documents(
		  batch_id, source_hash, source_path, ocr_text, ocr_signature, rotation,
		  ai_category, ai_filename, ai_summary, ai_confidence,
		  final_category, final_filename, searchable_pdf_path, state, error,
		  created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, source_hash) DO UPDATE SET
		  source_path=excluded.source_path,
		  updated_at=excluded.updated_at`,
		doc.BatchID, doc.SourceHash, doc.SourcePath, doc.OCRText, doc.OCRSignature, doc.Rotation,
		doc.AICategory, doc.AIFilename, doc.AISummary, doc.AIConfidence,
		doc.FinalCategory, doc.FinalFilename, doc.SearchablePath,
		defaultIfEmpty(doc.State, protocol.DocStateNew), doc.Error,
		now, now,
	)
	if err != nil {
		return 0, err
	}
	// LastInsertId is unreliable after ON CONFLICT DO UPDATE; read the
	// surviving row back by its natural key.
	existing, err := s.FindSingleDocument(ctx, doc.BatchID, doc.SourceHash)
	if err != nil {
		return 0, err
	}
	return existing.ID, nil
}

const singleDocColumns = `id, batch_id, source_hash, source_path, ocr_text, ocr_signature, rotation,
	ai_category, ai_filename, ai_summary, ai_confidence,
	final_category, final_filename, searchable_pdf_path, state, error, created_at, updated_at`

func scanSingleDocument(row interface{ Scan(...any) error }) (model.SingleDocument, error) {
	var d model.SingleDocument
	var createdAt, updatedAt int64
	err := row.Scan(
		&d.ID, &d.BatchID, &d.SourceHash, &d.SourcePath, &d.OCRText, &d.OCRSignature, &d.Rotation,
		&d.AICategory, &d.AIFilename, &d.AISummary, &d.AIConfidence,
		&d.FinalCategory, &d.FinalFilename, &d.SearchablePath, &d.State, &d.Error,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.SingleDocument{}, err
	}
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return d, nil
}

func (s *SQLiteStore) GetSingleDocument(ctx context.Context, id int64) (model.SingleDocument, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.SingleDocument{}, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+singleDocColumns+` FROM single_documents WHERE id = ?`, id)
	doc, err := scanSingleDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SingleDocument{}, model.ErrNotFound
	}
	return doc, err
}

func (s *SQLiteStore) FindSingleDocument(ctx context.Context, batchID int64, sourceHash string) (model.SingleDocument, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.SingleDocument{}, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+singleDocColumns+` FROM single_documents WHERE batch_id = ? AND source_hash = ?`,
		batchID, sourceHash)
	doc, err := scanSingleDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SingleDocument{}, model.ErrNotFound
	}
	return doc, err
}

func (s *SQLiteStore) ListSingleDocuments(ctx context.Context, batchID int64) ([]model.SingleDocument, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+singleDocColumns+` FROM single_documents WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.SingleDocument
	for rows.Next() {
		doc, err := scanSingleDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetDocumentOCR(ctx context.Context, id int64, text, signature string, rotation int, searchablePath string) error {
	return s.updateSingleDocument(ctx, id, `
		UPDATE single_documents
		SET ocr_text = ?, ocr_signature = ?, rotation = ?, searchable_pdf_path = ?,
		    state = ?, error = '', updated_at = ?
		WHERE id = ?`,
		text, signature, rotation, searchablePath, protocol.DocStateOCRDone, time.Now().Unix(), id)
}

func (s *SQLiteStore) SetDocumentAI(ctx context.Context, id int64, category, filename, summary string, confidence float64) error {
	return s.updateSingleDocument(ctx, id, `
		UPDATE single_documents
		SET ai_category = ?, ai_filename = ?, ai_summary = ?, ai_confidence = ?,
		    state = ?, updated_at = ?
		WHERE id = ?`,
		category, filename, summary, confidence, protocol.DocStateAIDone, time.Now().Unix(), id)
}

func (s *SQLiteStore) SetDocumentFinal(ctx context.Context, id int64, category, filename string) error {
	return s.updateSingleDocument(ctx, id, `
		UPDATE single_documents
		SET final_category = ?, final_filename = ?, updated_at = ?
		WHERE id = ?`,
		category, filename, time.Now().Unix(), id)
}

func (s *SQLiteStore) SetDocumentState(ctx context.Context, id int64, state, errMsg string) error {
	return s.updateSingleDocument(ctx, id, `
		UPDATE single_documents
		SET state = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		state, errMsg, time.Now().Unix(), id)
}

func (s *SQLiteStore) updateSingleDocument(ctx context.Context, id int64, query string, args ...any) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertGroupedDocument(ctx context.Context, doc model.GroupedDocument) (int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents(batch_id, name, final_category, position, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		doc.BatchID, doc.Name, doc.FinalCategory, doc.Position, now, now,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_pages(document_id, artifact_hash, page_index, category, rotation, ocr_text, ocr_signature, position)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stmt.Close() }()

	for i, p := range doc.Pages {
		pos := p.Position
		if pos == 0 {
			pos = i
		}
		if _, err := stmt.ExecContext(ctx,
			id, p.ArtifactHash, p.PageIndex, p.Category, p.Rotation, p.OCRText, p.OCRSignature, pos,
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) GetGroupedDocument(ctx context.Context, id int64) (model.GroupedDocument, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.GroupedDocument{}, err
	}

	var d model.GroupedDocument
	var createdAt, updatedAt int64
	row := db.QueryRowContext(ctx, `
		SELECT id, batch_id, name, final_category, position, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	if err := row.Scan(&d.ID, &d.BatchID, &d.Name, &d.FinalCategory, &d.Position, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.GroupedDocument{}, model.ErrNotFound
		}
		return model.GroupedDocument{}, err
	}
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)

	pages, err := s.documentPages(ctx, db, id)
	if err != nil {
		return model.GroupedDocument{}, err
	}
	d.Pages = pages
	return d, nil
}

func (s *SQLiteStore) ListGroupedDocuments(ctx context.Context, batchID int64) ([]model.GroupedDocument, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, batch_id, name, final_category, position, created_at, updated_at
		FROM documents WHERE batch_id = ? ORDER BY position, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.GroupedDocument
	for rows.Next() {
		var d model.GroupedDocument
		var createdAt, updatedAt int64
		if err := rows.Scan(&d.ID, &d.BatchID, &d.Name, &d.FinalCategory, &d.Position, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(createdAt, 0)
		d.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		pages, err := s.documentPages(ctx, db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Pages = pages
	}
	return out, nil
}

func (s *SQLiteStore) documentPages(ctx context.Context, db *sql.DB, documentID int64) ([]model.DocumentPage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, document_id, artifact_hash, page_index, category, rotation, ocr_text, ocr_signature, position
		FROM document_pages WHERE document_id = ? ORDER BY position, id`, documentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pages []model.DocumentPage
	for rows.Next() {
		var p model.DocumentPage
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.ArtifactHash, &p.PageIndex, &p.Category, &p.Rotation, &p.OCRText, &p.OCRSignature, &p.Position); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (s *SQLiteStore) SetRotationOverride(ctx context.Context, artifactHash string, pageIndex, angle int) error {
	if !model.ValidAngle(angle) {
		return model.NewUserInputError("rotation angle must be 0, 90, 180 or 270")
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO intake_rotations(artifact_hash, page_index, angle)
		VALUES(?, ?, ?)
		ON CONFLICT(artifact_hash, page_index) DO UPDATE SET angle=excluded.angle`,
		artifactHash, pageIndex, angle,
	)
	return err
}

func (s *SQLiteStore) GetRotationOverride(ctx context.Context, artifactHash string, pageIndex int) (int, bool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, false, err
	}

	var angle int
	row := db.QueryRowContext(ctx,
		`SELECT angle FROM intake_rotations WHERE artifact_hash = ? AND page_index = ?`,
		artifactHash, pageIndex)
	if err := row.Scan(&angle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return angle, true, nil
}

func (s *SQLiteStore) ListRotationOverrides(ctx context.Context, artifactHash string) (map[int]int, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT page_index, angle FROM intake_rotations WHERE artifact_hash = ?`, artifactHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]int)
	for rows.Next() {
		var page, angle int
		if err := rows.Scan(&page, &angle); err != nil {
			return nil, err
		}
		out[page] = angle
	}
	return out, rows.Err()
}

// AppendInteraction records a lifecycle event in the audit log. Writes are
// best-effort: a missing table loses the event without failing the caller.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, event string, payload any) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}

	var encoded string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		encoded = string(raw)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO interaction_log(id, created_at, event, payload) VALUES(?, ?, ?, ?)`,
		uuid.NewString(), time.Now().Unix(), event, encoded,
	)
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return nil
	}
	return err
}

func defaultIfEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
