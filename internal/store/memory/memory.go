package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"opnameinaja/backend/internal/domain"
	"opnameinaja/backend/internal/store"
	"opnameinaja/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	inventory       map[string]map[string]int
	stockUpdatedAt  map[string]map[string]time.Time
	sessionsByID    map[string]*domain.OpnameSession
	itemsBySession  map[string][]domain.OpnameItem
	activityLogs    []domain.ActivityLog
	usersByUsername map[string]domain.UserAccount

	// stockWriteFailure, when set, is consulted before each staged inventory
	// write during finalize. Used by tests to simulate storage failure.
	stockWriteFailure func(storeID string, sku string) error
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_COUNTER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	counterPwd := envOr("SEED_COUNTER_PASSWORD", "counter123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_COUNTER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_COUNTER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"counter", counterPwd, "counter"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Category: "grocery", PriceCents: 3500, Active: true},
		{SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", Category: "grocery", PriceCents: 26500, Active: true},
		{SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Category: "dairy", PriceCents: 18900, Active: true},
		{SKU: "SKU-ROTI-01", Name: "Roti Tawar", Category: "bakery", PriceCents: 17800, Active: true},
		{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Category: "beverage", PriceCents: 2600, Active: true},
		{SKU: "SKU-GULA-01", Name: "Gula 1kg", Category: "grocery", PriceCents: 17400, Active: true},
		{SKU: "SKU-TEH-01", Name: "Teh Celup", Category: "beverage", PriceCents: 9800, Active: true},
		{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Category: "beverage", PriceCents: 3900, Active: true},
		{SKU: "SKU-KERIPIK-01", Name: "Keripik Singkong", Category: "snack", PriceCents: 12800, Active: true},
		{SKU: "SKU-SABUN-01", Name: "Sabun Mandi", Category: "household", PriceCents: 7400, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	inventory := map[string]map[string]int{"main-store": {}}
	updatedAt := map[string]map[string]time.Time{"main-store": {}}
	now := time.Now().UTC()
	for i, p := range products {
		productMap[p.SKU] = p
		inventory["main-store"][p.SKU] = 40 + i*7
		updatedAt["main-store"][p.SKU] = now
	}

	return &Store{
		products:        productMap,
		inventory:       inventory,
		stockUpdatedAt:  updatedAt,
		sessionsByID:    make(map[string]*domain.OpnameSession),
		itemsBySession:  make(map[string][]domain.OpnameItem),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Category == products[j].Category {
			return products[i].Name < products[j].Name
		}
		return products[i].Category < products[j].Category
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.SKU]; exists {
		return nil, store.ErrInvalid
	}
	product.Active = true
	s.products[product.SKU] = product

	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := product
	return &found, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok && p.Active {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) GetStockMap(_ context.Context, storeID string, skus []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stockMap := make(map[string]int, len(skus))
	for _, sku := range skus {
		stockMap[sku] = s.inventory[storeID][sku]
	}
	return stockMap, nil
}

func (s *Store) ListStockLevels(_ context.Context, storeID string) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := make([]domain.StockLevel, 0, len(s.inventory[storeID]))
	for sku, qty := range s.inventory[storeID] {
		level := domain.StockLevel{SKU: sku, Qty: qty, UpdatedAt: s.stockUpdatedAt[storeID][sku]}
		if p, ok := s.products[sku]; ok {
			level.Name = p.Name
		}
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].SKU < levels[j].SKU })
	return levels, nil
}

func (s *Store) IncreaseStock(_ context.Context, storeID string, adjustments []domain.StockAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inventory[storeID] == nil {
		s.inventory[storeID] = map[string]int{}
		s.stockUpdatedAt[storeID] = map[string]time.Time{}
	}
	now := time.Now().UTC()
	for _, adj := range adjustments {
		if adj.Qty < 1 {
			continue
		}
		s.inventory[storeID][adj.SKU] += adj.Qty
		s.stockUpdatedAt[storeID][adj.SKU] = now
	}
	return nil
}

func (s *Store) CreateSession(_ context.Context, session domain.OpnameSession) (*domain.OpnameSession, error) {
	if strings.TrimSpace(session.StartedBy) == "" || strings.TrimSpace(session.StoreID) == "" {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessionsByID {
		if existing.Status == domain.SessionStatusInProgress {
			return nil, store.ErrConflict
		}
	}

	stored := session
	s.sessionsByID[session.ID] = &stored
	created := session
	return &created, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.OpnameSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.copySessionLocked(session), nil
}

func (s *Store) ListSessions(_ context.Context, limit int) ([]domain.OpnameSession, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.OpnameSession, 0, len(s.sessionsByID))
	for _, session := range s.sessionsByID {
		copied := *session
		copied.Items = nil
		sessions = append(sessions, copied)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *Store) UpsertItem(_ context.Context, sessionID string, sku string, countedQty int, note string) (*domain.OpnameItem, error) {
	if countedQty < 0 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, store.ErrInvalidState
	}
	product, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	items := s.itemsBySession[sessionID]
	for i := range items {
		if items[i].SKU != sku {
			continue
		}
		// Re-count: SystemQty keeps its snapshot from the first touch.
		items[i].CountedQty = countedQty
		items[i].DeltaQty = countedQty - items[i].SystemQty
		items[i].Note = note
		items[i].UpdatedAt = now
		updated := items[i]
		return &updated, nil
	}

	systemQty := s.inventory[session.StoreID][sku]
	item := domain.OpnameItem{
		SessionID:   sessionID,
		SKU:         sku,
		ProductName: product.Name,
		SystemQty:   systemQty,
		CountedQty:  countedQty,
		DeltaQty:    countedQty - systemQty,
		Note:        note,
		CountedAt:   now,
		UpdatedAt:   now,
	}
	s.itemsBySession[sessionID] = append(items, item)
	created := item
	return &created, nil
}

func (s *Store) ListItems(_ context.Context, sessionID string) ([]domain.OpnameItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	items := make([]domain.OpnameItem, len(s.itemsBySession[sessionID]))
	copy(items, s.itemsBySession[sessionID])
	return items, nil
}

func (s *Store) FinalizeSession(_ context.Context, id string, finalNote string, at time.Time) (*domain.OpnameSession, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, store.ErrInvalidState
	}

	// Stage every inventory overwrite on a copy so a failure partway leaves
	// both the ledger and the session untouched.
	staged := make(map[string]int, len(s.inventory[session.StoreID]))
	for sku, qty := range s.inventory[session.StoreID] {
		staged[sku] = qty
	}
	for _, item := range s.itemsBySession[id] {
		if s.stockWriteFailure != nil {
			if err := s.stockWriteFailure(session.StoreID, item.SKU); err != nil {
				return nil, fmt.Errorf("%w: %v", store.ErrCommitFailed, err)
			}
		}
		staged[item.SKU] = item.CountedQty
	}

	s.inventory[session.StoreID] = staged
	if s.stockUpdatedAt[session.StoreID] == nil {
		s.stockUpdatedAt[session.StoreID] = map[string]time.Time{}
	}
	for _, item := range s.itemsBySession[id] {
		s.stockUpdatedAt[session.StoreID][item.SKU] = at
	}

	session.Status = domain.SessionStatusCompleted
	session.FinalNote = finalNote
	ended := at
	session.EndedAt = &ended

	return s.copySessionLocked(session), nil
}

func (s *Store) CancelSession(_ context.Context, id string, at time.Time) (*domain.OpnameSession, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, store.ErrInvalidState
	}

	session.Status = domain.SessionStatusCancelled
	ended := at
	session.EndedAt = &ended

	return s.copySessionLocked(session), nil
}

func (s *Store) CreateActivityLog(_ context.Context, entry domain.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.activityLogs = append(s.activityLogs, entry)
	return nil
}

func (s *Store) ListActivityLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.ActivityLog, 0, limit)
	for _, entry := range s.activityLogs {
		if entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalid
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// copySessionLocked returns a detached copy of the session with its items.
// Callers must hold at least a read lock.
func (s *Store) copySessionLocked(session *domain.OpnameSession) *domain.OpnameSession {
	copied := *session
	items := make([]domain.OpnameItem, len(s.itemsBySession[session.ID]))
	copy(items, s.itemsBySession[session.ID])
	copied.Items = items
	return &copied
}
