package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for node persistence.
// The registry writes snapshots through it and restores them at startup.
type Repository interface {
	// Save inserts or replaces the snapshot for n.UUID, including its models.
	// Any stale row holding the same address under a different UUID is removed.
	Save(ctx context.Context, n *Node) error

	// Get retrieves a node by identifier.
	// Returns ErrNotFound if the node does not exist.
	Get(ctx context.Context, id uuid.UUID) (*Node, error)

	// List retrieves all nodes in insertion order.
	List(ctx context.Context) ([]*Node, error)
}

// SQLiteRepository implements Repository on the mesh_nodes and mesh_models tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectNodeColumns = `
	SELECT uuid, address, element_count, onoff, composition_received, key_added,
		next_bind, next_publish, next_subscribe, phase, created_at, updated_at
	FROM mesh_nodes`

// Save inserts or replaces a node snapshot in a single transaction.
func (r *SQLiteRepository) Save(ctx context.Context, n *Node) error {
	if n == nil || n.UUID == uuid.Nil {
		return fmt.Errorf("%w: node with uuid required", ErrInvalidArgument)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	id := n.UUID.String()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM mesh_nodes WHERE address = ? AND uuid <> ?", n.Address, id,
	); err != nil {
		return fmt.Errorf("clearing stale address: %w", err)
	}

	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := n.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mesh_nodes (
			uuid, address, element_count, onoff, composition_received, key_added,
			next_bind, next_publish, next_subscribe, phase, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			address = excluded.address,
			element_count = excluded.element_count,
			onoff = excluded.onoff,
			composition_received = excluded.composition_received,
			key_added = excluded.key_added,
			next_bind = excluded.next_bind,
			next_publish = excluded.next_publish,
			next_subscribe = excluded.next_subscribe,
			phase = excluded.phase,
			updated_at = excluded.updated_at`,
		id, n.Address, n.ElementCount, boolToInt(n.OnOff),
		boolToInt(n.CompositionReceived), boolToInt(n.KeyAdded),
		n.NextBind, n.NextPublish, n.NextSubscribe, n.Phase.String(),
		created.Format(time.RFC3339Nano), updated.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM mesh_models WHERE node_uuid = ?", id); err != nil {
		return fmt.Errorf("clearing models: %w", err)
	}

	for i, m := range n.Models {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mesh_models (node_uuid, position, model_id, company_id, vendor, bound, published, subscribed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, m.ID, m.CompanyID, boolToInt(m.Vendor),
			boolToInt(m.Bound), boolToInt(m.Published), boolToInt(m.Subscribed),
		); err != nil {
			return fmt.Errorf("inserting model %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing node: %w", err)
	}
	return nil
}

// Get retrieves a node and its models by identifier.
func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*Node, error) {
	row := r.db.QueryRowContext(ctx, selectNodeColumns+" WHERE uuid = ?", id.String())
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: uuid %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying node: %w", err)
	}

	if n.Models, err = r.models(ctx, n.UUID); err != nil {
		return nil, err
	}
	return n, nil
}

// List retrieves all nodes in insertion order.
func (r *SQLiteRepository) List(ctx context.Context) ([]*Node, error) {
	rows, err := r.db.QueryContext(ctx, selectNodeColumns+" ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}

	for _, n := range nodes {
		if n.Models, err = r.models(ctx, n.UUID); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func (r *SQLiteRepository) models(ctx context.Context, id uuid.UUID) ([]Model, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT model_id, company_id, vendor, bound, published, subscribed
		FROM mesh_models WHERE node_uuid = ? ORDER BY position`, id.String())
	if err != nil {
		return nil, fmt.Errorf("querying models: %w", err)
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		var (
			m                                   Model
			vendor, bound, published, subscribe int
		)
		if err := rows.Scan(&m.ID, &m.CompanyID, &vendor, &bound, &published, &subscribe); err != nil {
			return nil, fmt.Errorf("scanning model: %w", err)
		}
		m.Vendor = vendor != 0
		m.Bound = bound != 0
		m.Published = published != 0
		m.Subscribed = subscribe != 0
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating models: %w", err)
	}
	return models, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n                            Node
		id, phase, created, updated  string
		onoff, composition, keyAdded int
	)
	if err := row.Scan(&id, &n.Address, &n.ElementCount, &onoff, &composition, &keyAdded,
		&n.NextBind, &n.NextPublish, &n.NextSubscribe, &phase, &created, &updated); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing uuid %q: %w", id, err)
	}
	n.UUID = parsed

	if n.Phase, err = ParsePhase(phase); err != nil {
		return nil, err
	}

	n.OnOff = onoff != 0
	n.CompositionReceived = composition != 0
	n.KeyAdded = keyAdded != 0
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created) //nolint:errcheck // Format is controlled
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated) //nolint:errcheck // Format is controlled

	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
