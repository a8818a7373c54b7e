package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"opnameinaja/backend/internal/domain"
	"opnameinaja/backend/internal/store"
	"opnameinaja/backend/internal/variance"
	"opnameinaja/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	variance       *variance.Engine
	defaultStoreID string
}

func New(repo store.Repository, varianceEngine *variance.Engine, defaultStoreID string) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}

	return &Service{
		repo:           repo,
		variance:       varianceEngine,
		defaultStoreID: defaultStoreID,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.SKU == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalid
	}
	if req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalid
	}

	product := domain.Product{
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Active:     true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		err := s.repo.IncreaseStock(ctx, req.StoreID, []domain.StockAdjustment{{
			SKU: created.SKU,
			Qty: req.InitialStock,
		}})
		if err != nil {
			return domain.Product{}, err
		}
	}

	s.logActivity(ctx, req.StoreID, "product_create", "product", created.SKU, fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.PriceCents, req.InitialStock))

	return *created, nil
}

func (s *Service) StockLevels(ctx context.Context, storeID string) (domain.StockListResponse, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	levels, err := s.repo.ListStockLevels(ctx, storeID)
	if err != nil {
		return domain.StockListResponse{}, err
	}

	return domain.StockListResponse{StoreID: storeID, Stocks: levels}, nil
}

func (s *Service) Restock(ctx context.Context, req domain.RestockRequest) (domain.StockListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockListResponse{}, fmt.Errorf("admin role required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if len(req.Items) == 0 {
		return domain.StockListResponse{}, store.ErrInvalid
	}

	adjustments := make([]domain.StockAdjustment, 0, len(req.Items))
	for _, item := range req.Items {
		item.SKU = strings.ToUpper(strings.TrimSpace(item.SKU))
		if item.SKU == "" || item.Qty < 1 {
			return domain.StockListResponse{}, store.ErrInvalid
		}
		if _, err := s.repo.GetProductBySKU(ctx, item.SKU); err != nil {
			return domain.StockListResponse{}, err
		}
		adjustments = append(adjustments, item)
	}

	if err := s.repo.IncreaseStock(ctx, req.StoreID, adjustments); err != nil {
		return domain.StockListResponse{}, err
	}

	s.logActivity(ctx, req.StoreID, "restock", "inventory", "", fmt.Sprintf("items=%d", len(adjustments)))

	return s.StockLevels(ctx, req.StoreID)
}

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SessionResponse{}, fmt.Errorf("authentication required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}

	session := domain.OpnameSession{
		ID:        xid.New("op"),
		StoreID:   req.StoreID,
		StartedBy: actor.Username,
		StartedAt: time.Now().UTC(),
		Note:      strings.TrimSpace(req.Note),
	}

	created, err := s.repo.CreateSession(ctx, session)
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logActivity(ctx, req.StoreID, "opname_open", "opname_session", created.ID, fmt.Sprintf("note=%s", created.Note))

	return domain.SessionResponse{Session: *created}, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.SessionResponse, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) ListSessions(ctx context.Context, limit int) (domain.SessionListResponse, error) {
	sessions, err := s.repo.ListSessions(ctx, limit)
	if err != nil {
		return domain.SessionListResponse{}, err
	}
	return domain.SessionListResponse{Sessions: sessions}, nil
}

func (s *Service) SubmitItem(ctx context.Context, sessionID string, req domain.ItemSubmitRequest) (domain.ItemResponse, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.ItemResponse{}, fmt.Errorf("authentication required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.SKU == "" {
		return domain.ItemResponse{}, store.ErrInvalid
	}
	if req.CountedQty == nil || *req.CountedQty < 0 {
		return domain.ItemResponse{}, store.ErrInvalid
	}

	item, err := s.repo.UpsertItem(ctx, sessionID, req.SKU, *req.CountedQty, strings.TrimSpace(req.Note))
	if err != nil {
		return domain.ItemResponse{}, err
	}

	s.variance.Invalidate(ctx, sessionID)
	s.logActivity(ctx, s.defaultStoreID, "opname_count", "opname_item", sessionID+"/"+item.SKU, fmt.Sprintf("counted=%d,delta=%d", item.CountedQty, item.DeltaQty))

	return domain.ItemResponse{Item: *item}, nil
}

func (s *Service) FinalizeSession(ctx context.Context, sessionID string, finalNote string) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.SessionResponse{}, fmt.Errorf("admin role required")
	}

	session, err := s.repo.FinalizeSession(ctx, sessionID, strings.TrimSpace(finalNote), time.Now().UTC())
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.variance.Invalidate(ctx, sessionID)
	s.logActivity(ctx, session.StoreID, "opname_finalize", "opname_session", sessionID, fmt.Sprintf("items=%d,final_note=%s", len(session.Items), session.FinalNote))

	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) CancelSession(ctx context.Context, sessionID string) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.SessionResponse{}, fmt.Errorf("admin role required")
	}

	session, err := s.repo.CancelSession(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.variance.Invalidate(ctx, sessionID)
	s.logActivity(ctx, session.StoreID, "opname_cancel", "opname_session", sessionID, fmt.Sprintf("items=%d", len(session.Items)))

	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) VarianceReport(ctx context.Context, sessionID string) (domain.VarianceReport, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.VarianceReport{}, err
	}

	skus := make([]string, 0, len(session.Items))
	for _, item := range session.Items {
		skus = append(skus, item.SKU)
	}
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return domain.VarianceReport{}, err
	}

	return s.variance.Report(ctx, session, products), nil
}

func (s *Service) ListActivityLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.ActivityLog, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalid
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListActivityLogs(ctx, storeID, from, to, limit)
}

func (s *Service) logActivity(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateActivityLog(ctx, domain.ActivityLog{
		ID:            xid.New("act"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[activity] WARN: failed to write activity log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
