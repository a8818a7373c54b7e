package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"opnameinaja/backend/internal/domain"
	"opnameinaja/backend/internal/store"
	"opnameinaja/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalid
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, price_cents, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
	`, product.SKU, product.Name, product.Category, product.PriceCents, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalid
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, category, price_cents, active
		FROM products
		WHERE sku = $1
	`, sku).Scan(&product.SKU, &product.Name, &product.Category, &product.PriceCents, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, active
		FROM products
		WHERE active = true AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		result[p.SKU] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) GetStockMap(ctx context.Context, storeID string, skus []string) (map[string]int, error) {
	stockMap := make(map[string]int, len(skus))
	if len(skus) == 0 {
		return stockMap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, qty
		FROM inventory_stocks
		WHERE store_id = $1 AND sku = ANY($2)
	`, storeID, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sku string
		var qty int
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		stockMap[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sku := range skus {
		if _, ok := stockMap[sku]; !ok {
			stockMap[sku] = 0
		}
	}

	return stockMap, nil
}

func (s *Store) ListStockLevels(ctx context.Context, storeID string) ([]domain.StockLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.sku, COALESCE(p.name,''), st.qty, st.updated_at
		FROM inventory_stocks st
		LEFT JOIN products p ON p.sku = st.sku
		WHERE st.store_id = $1
		ORDER BY st.sku ASC
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 128)
	for rows.Next() {
		var level domain.StockLevel
		if err := rows.Scan(&level.SKU, &level.Name, &level.Qty, &level.UpdatedAt); err != nil {
			return nil, err
		}
		level.UpdatedAt = level.UpdatedAt.UTC()
		levels = append(levels, level)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

func (s *Store) IncreaseStock(ctx context.Context, storeID string, adjustments []domain.StockAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, adj := range adjustments {
		if adj.Qty < 1 {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_stocks (store_id, sku, qty, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (store_id, sku)
			DO UPDATE SET qty = inventory_stocks.qty + EXCLUDED.qty, updated_at = now()
		`, storeID, adj.SKU, adj.Qty)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) CreateSession(ctx context.Context, session domain.OpnameSession) (*domain.OpnameSession, error) {
	if strings.TrimSpace(session.StoreID) == "" || strings.TrimSpace(session.StartedBy) == "" {
		return nil, store.ErrInvalid
	}
	if session.ID == "" {
		session.ID = xid.New("op")
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusInProgress
	session.EndedAt = nil
	session.Items = nil

	// The partial unique index on (status) WHERE status = 'in_progress' makes
	// the one-active-session check and the insert a single atomic step.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opname_sessions (id, store_id, status, started_by, note, final_note, started_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,'',$6,NULL)
	`, session.ID, session.StoreID, session.Status, session.StartedBy, strings.TrimSpace(session.Note), session.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := session
	return &created, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.OpnameSession, error) {
	var session domain.OpnameSession
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, status, started_by, note, final_note, started_at, ended_at
		FROM opname_sessions
		WHERE id = $1
	`, id).Scan(
		&session.ID,
		&session.StoreID,
		&session.Status,
		&session.StartedBy,
		&session.Note,
		&session.FinalNote,
		&session.StartedAt,
		&endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.StartedAt = session.StartedAt.UTC()
	if endedAt.Valid {
		at := endedAt.Time.UTC()
		session.EndedAt = &at
	}

	items, err := s.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Items = items
	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]domain.OpnameSession, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, status, started_by, note, final_note, started_at, ended_at
		FROM opname_sessions
		ORDER BY started_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.OpnameSession, 0, limit)
	for rows.Next() {
		var session domain.OpnameSession
		var endedAt sql.NullTime
		if err := rows.Scan(&session.ID, &session.StoreID, &session.Status, &session.StartedBy, &session.Note, &session.FinalNote, &session.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		session.StartedAt = session.StartedAt.UTC()
		if endedAt.Valid {
			at := endedAt.Time.UTC()
			session.EndedAt = &at
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) UpsertItem(ctx context.Context, sessionID string, sku string, countedQty int, note string) (*domain.OpnameItem, error) {
	if countedQty < 0 {
		return nil, store.ErrInvalid
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// FOR SHARE keeps the session row stable against a concurrent finalize
	// or cancel while still letting other counters submit in parallel.
	var storeID string
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT store_id, status
		FROM opname_sessions
		WHERE id = $1
		FOR SHARE
	`, sessionID).Scan(&storeID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusInProgress {
		return nil, store.ErrInvalidState
	}

	var productName string
	err = tx.QueryRowContext(ctx, `
		SELECT name
		FROM products
		WHERE sku = $1 AND active = true
	`, sku).Scan(&productName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	// First touch snapshots the live stock quantity; resubmissions keep that
	// snapshot and update only the counted side.
	var item domain.OpnameItem
	err = tx.QueryRowContext(ctx, `
		INSERT INTO opname_items (session_id, sku, product_name, system_qty, counted_qty, delta_qty, note, counted_at, updated_at)
		VALUES (
			$1, $2, $3,
			COALESCE((SELECT qty FROM inventory_stocks WHERE store_id = $4 AND sku = $2), 0),
			$5,
			$5 - COALESCE((SELECT qty FROM inventory_stocks WHERE store_id = $4 AND sku = $2), 0),
			$6, now(), now()
		)
		ON CONFLICT (session_id, sku)
		DO UPDATE SET
			counted_qty = EXCLUDED.counted_qty,
			delta_qty = EXCLUDED.counted_qty - opname_items.system_qty,
			note = EXCLUDED.note,
			updated_at = now()
		RETURNING session_id, sku, product_name, system_qty, counted_qty, delta_qty, note, counted_at, updated_at
	`, sessionID, sku, productName, storeID, countedQty, strings.TrimSpace(note)).Scan(
		&item.SessionID,
		&item.SKU,
		&item.ProductName,
		&item.SystemQty,
		&item.CountedQty,
		&item.DeltaQty,
		&item.Note,
		&item.CountedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	item.CountedAt = item.CountedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context, sessionID string) ([]domain.OpnameItem, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM opname_sessions WHERE id = $1)
	`, sessionID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sku, product_name, system_qty, counted_qty, delta_qty, note, counted_at, updated_at
		FROM opname_items
		WHERE session_id = $1
		ORDER BY counted_at ASC, sku ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OpnameItem, 0, 32)
	for rows.Next() {
		var item domain.OpnameItem
		if err := rows.Scan(&item.SessionID, &item.SKU, &item.ProductName, &item.SystemQty, &item.CountedQty, &item.DeltaQty, &item.Note, &item.CountedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.CountedAt = item.CountedAt.UTC()
		item.UpdatedAt = item.UpdatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) FinalizeSession(ctx context.Context, id string, finalNote string, at time.Time) (*domain.OpnameSession, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var session domain.OpnameSession
	err = tx.QueryRowContext(ctx, `
		SELECT id, store_id, status, started_by, note, started_at
		FROM opname_sessions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&session.ID, &session.StoreID, &session.Status, &session.StartedBy, &session.Note, &session.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, store.ErrInvalidState
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT sku, counted_qty
		FROM opname_items
		WHERE session_id = $1
		ORDER BY counted_at ASC, sku ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCommitFailed, err)
	}
	type countedLine struct {
		sku string
		qty int
	}
	lines := make([]countedLine, 0, 32)
	for itemRows.Next() {
		var line countedLine
		if err := itemRows.Scan(&line.sku, &line.qty); err != nil {
			_ = itemRows.Close()
			return nil, fmt.Errorf("%w: %v", store.ErrCommitFailed, err)
		}
		lines = append(lines, line)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrCommitFailed, err)
	}
	_ = itemRows.Close()

	// Counted quantities overwrite the system stock absolutely. Sales that
	// landed mid-count are deliberately superseded by the physical count.
	for _, line := range lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_stocks (store_id, sku, qty, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (store_id, sku)
			DO UPDATE SET qty = EXCLUDED.qty, updated_at = EXCLUDED.updated_at
		`, session.StoreID, line.sku, line.qty, at)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrCommitFailed, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE opname_sessions
		SET status = $2, final_note = $3, ended_at = $4
		WHERE id = $1
	`, id, domain.SessionStatusCompleted, strings.TrimSpace(finalNote), at)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCommitFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCommitFailed, err)
	}

	session.Status = domain.SessionStatusCompleted
	session.FinalNote = strings.TrimSpace(finalNote)
	session.StartedAt = session.StartedAt.UTC()
	session.EndedAt = &at

	items, err := s.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Items = items
	return &session, nil
}

func (s *Store) CancelSession(ctx context.Context, id string, at time.Time) (*domain.OpnameSession, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var session domain.OpnameSession
	err = tx.QueryRowContext(ctx, `
		SELECT id, store_id, status, started_by, note, started_at
		FROM opname_sessions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&session.ID, &session.StoreID, &session.Status, &session.StartedBy, &session.Note, &session.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, store.ErrInvalidState
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE opname_sessions
		SET status = $2, ended_at = $3
		WHERE id = $1
	`, id, domain.SessionStatusCancelled, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatusCancelled
	session.StartedAt = session.StartedAt.UTC()
	session.EndedAt = &at

	items, err := s.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Items = items
	return &session, nil
}

func (s *Store) CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (
			id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListActivityLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM activity_logs
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.ActivityLog, 0, limit)
	for rows.Next() {
		var entry domain.ActivityLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalid
	}
	if user.Role == "" {
		user.Role = "counter"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalid
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
