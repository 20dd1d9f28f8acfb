package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/vclock"
)

// AppendLocalChange records a local business mutation: it bumps this
// node's counter on the entity's version vector, writes the new
// payload into entity_state, and appends a change log entry, all in
// one transaction.
//
// The single transaction is load-bearing: a payload persisted without
// its vector bump would break causal comparison for every future merge
// of the entity.
func (s *Store) AppendLocalChange(ctx context.Context, nodeID string, recordType model.RecordType, recordID string, op model.Operation, data []byte) (model.ChangeRecord, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	defer tx.Rollback()

	vector, err := entityVectorTx(ctx, tx, recordID)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	vector.Bump(nodeID)

	now := time.Now().UTC()
	rec := model.ChangeRecord{
		RecordID:        recordID,
		RecordType:      recordType,
		Operation:       op,
		Data:            data,
		VersionVector:   vector,
		OriginTimestamp: now,
		OriginNode:      nodeID,
		Checksum:        model.ComputeChecksum(data),
	}

	if err := upsertEntityStateTx(ctx, tx, &rec, now); err != nil {
		return model.ChangeRecord{}, err
	}
	seq, err := insertChangeTx(ctx, tx, &rec)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	rec.SequenceNumber = seq

	if err := tx.Commit(); err != nil {
		return model.ChangeRecord{}, fmt.Errorf("failed to commit local change: %w", err)
	}
	return rec, nil
}

// ApplyRemoteChange merges a remote record whose vector dominates the
// local one: entity_state takes the remote payload and vector, and the
// change is re-logged under a fresh local sequence number so peers
// pulling from this node see it too. Origin metadata is preserved.
func (s *Store) ApplyRemoteChange(ctx context.Context, rec model.ChangeRecord) (int64, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := upsertEntityStateTx(ctx, tx, &rec, now); err != nil {
		return 0, err
	}
	seq, err := insertChangeTx(ctx, tx, &rec)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit remote change: %w", err)
	}
	return seq, nil
}

// EntityState returns the latest stored payload, operation, and
// version vector for an entity. Returns ErrNotFound for entities this
// node has never seen.
func (s *Store) EntityState(ctx context.Context, recordID string) ([]byte, model.Operation, vclock.Vector, error) {
	var (
		data      []byte
		op        string
		vectorRaw string
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT data, operation, version_vector FROM entity_state WHERE record_id = ?`,
		recordID,
	).Scan(&data, &op, &vectorRaw)
	if err == sql.ErrNoRows {
		return nil, "", nil, ErrNotFound
	}
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to query entity state: %w", err)
	}

	vector, err := vclock.Unmarshal([]byte(vectorRaw))
	if err != nil {
		return nil, "", nil, fmt.Errorf("corrupt version vector for %s: %w", recordID, err)
	}
	return data, model.Operation(op), vector, nil
}

// Since returns change records strictly after cursor, ascending by
// sequence number, at most limit records. The second return reports
// whether more records remain past the returned page.
func (s *Store) Since(ctx context.Context, cursor int64, limit int) ([]model.ChangeRecord, bool, error) {
	if limit <= 0 {
		return nil, false, fmt.Errorf("pull limit must be positive, got %d", limit)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, record_id, record_type, operation, data,
		       version_vector, origin_timestamp, origin_node, checksum
		FROM change_log
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		cursor, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	records, err := scanChanges(rows)
	if err != nil {
		return nil, false, err
	}

	hasMore := false
	if len(records) > limit {
		hasMore = true
		records = records[:limit]
	}
	return records, hasMore, nil
}

// LatestSeq returns the highest sequence number in the change log, or
// zero for an empty log.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest sequence: %w", err)
	}
	return seq, nil
}

// entityVectorTx loads an entity's vector inside a transaction,
// returning an empty vector for unseen entities.
func entityVectorTx(ctx context.Context, tx *sql.Tx, recordID string) (vclock.Vector, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT version_vector FROM entity_state WHERE record_id = ?`,
		recordID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return vclock.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entity vector: %w", err)
	}

	vector, err := vclock.Unmarshal([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("corrupt version vector for %s: %w", recordID, err)
	}
	return vector, nil
}

// upsertEntityStateTx replaces the stored entity payload and vector.
func upsertEntityStateTx(ctx context.Context, tx *sql.Tx, rec *model.ChangeRecord, now time.Time) error {
	vectorJSON, err := rec.VersionVector.Marshal()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_state (record_id, record_type, operation, data, version_vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			record_type = excluded.record_type,
			operation = excluded.operation,
			data = excluded.data,
			version_vector = excluded.version_vector,
			updated_at = excluded.updated_at`,
		rec.RecordID, string(rec.RecordType), string(rec.Operation), []byte(rec.Data),
		string(vectorJSON), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity state for %s: %w", rec.RecordID, err)
	}
	return nil
}

// insertChangeTx appends a change log row and returns the assigned
// sequence number.
func insertChangeTx(ctx context.Context, tx *sql.Tx, rec *model.ChangeRecord) (int64, error) {
	vectorJSON, err := rec.VersionVector.Marshal()
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (record_id, record_type, operation, data,
			version_vector, origin_timestamp, origin_node, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RecordID, string(rec.RecordType), string(rec.Operation), []byte(rec.Data),
		string(vectorJSON), rec.OriginTimestamp.UTC().Format(time.RFC3339Nano),
		rec.OriginNode, rec.Checksum,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append change for %s: %w", rec.RecordID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read assigned sequence: %w", err)
	}
	return seq, nil
}

// scanChanges reads change records from query results.
func scanChanges(rows *sql.Rows) ([]model.ChangeRecord, error) {
	var records []model.ChangeRecord

	for rows.Next() {
		var (
			rec        model.ChangeRecord
			recordType string
			op         string
			vectorRaw  string
			stamp      string
		)
		err := rows.Scan(&rec.SequenceNumber, &rec.RecordID, &recordType, &op,
			(*[]byte)(&rec.Data), &vectorRaw, &stamp, &rec.OriginNode, &rec.Checksum)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}

		rec.RecordType = model.RecordType(recordType)
		rec.Operation = model.Operation(op)

		vector, err := vclock.Unmarshal([]byte(vectorRaw))
		if err != nil {
			return nil, fmt.Errorf("corrupt version vector in change log: %w", err)
		}
		rec.VersionVector = vector

		if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			rec.OriginTimestamp = t
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change log: %w", err)
	}
	return records, nil
}
