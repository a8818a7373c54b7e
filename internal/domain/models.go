package domain

import "time"

type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Active     bool   `json:"active"`
}

type ProductCreateRequest struct {
	StoreID      string `json:"store_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type StockLevel struct {
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Qty       int       `json:"qty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StockListResponse struct {
	StoreID string       `json:"store_id"`
	Stocks  []StockLevel `json:"stocks"`
}

type StockAdjustment struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type RestockRequest struct {
	StoreID string            `json:"store_id"`
	Items   []StockAdjustment `json:"items"`
}

// OpnameSession is one bounded stock-taking session. At most one session may
// be in_progress at a time system-wide; once completed or cancelled it is
// immutable.
type OpnameSession struct {
	ID        string       `json:"id"`
	StoreID   string       `json:"store_id"`
	Status    string       `json:"status"`
	StartedBy string       `json:"started_by"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Note      string       `json:"note,omitempty"`
	FinalNote string       `json:"final_note,omitempty"`
	Items     []OpnameItem `json:"items,omitempty"`
}

// OpnameItem is one counted product line within a session. SystemQty is the
// inventory quantity snapshotted when the product was first counted in the
// session; resubmissions update CountedQty and Note but never SystemQty.
type OpnameItem struct {
	SessionID   string    `json:"session_id"`
	SKU         string    `json:"sku"`
	ProductName string    `json:"product_name,omitempty"`
	SystemQty   int       `json:"system_qty"`
	CountedQty  int       `json:"counted_qty"`
	DeltaQty    int       `json:"delta_qty"`
	Note        string    `json:"note,omitempty"`
	CountedAt   time.Time `json:"counted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type SessionOpenRequest struct {
	StoreID string `json:"store_id"`
	Note    string `json:"note"`
}

type ItemSubmitRequest struct {
	SKU        string `json:"sku"`
	CountedQty *int   `json:"counted_qty"`
	Note       string `json:"note"`
}

type SessionFinalizeRequest struct {
	FinalNote  string `json:"final_note"`
	ManagerPIN string `json:"manager_pin"`
}

type SessionCancelRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

type SessionResponse struct {
	Session OpnameSession `json:"session"`
}

type SessionListResponse struct {
	Sessions []OpnameSession `json:"sessions"`
}

type ItemResponse struct {
	Item OpnameItem `json:"item"`
}

type VarianceLine struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	SystemQty  int    `json:"system_qty"`
	CountedQty int    `json:"counted_qty"`
	DeltaQty   int    `json:"delta_qty"`
	ValueCents int64  `json:"value_cents"`
}

type VarianceAlert struct {
	Code        string  `json:"code"`
	Severity    string  `json:"severity"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	MetricValue float64 `json:"metric_value"`
	Threshold   float64 `json:"threshold"`
}

type VarianceReport struct {
	SessionID          string          `json:"session_id"`
	Status             string          `json:"status"`
	ItemsCounted       int             `json:"items_counted"`
	SurplusQty         int             `json:"surplus_qty"`
	ShortageQty        int             `json:"shortage_qty"`
	NetDeltaQty        int             `json:"net_delta_qty"`
	SurplusValueCents  int64           `json:"surplus_value_cents"`
	ShortageValueCents int64           `json:"shortage_value_cents"`
	TopDeviations      []VarianceLine  `json:"top_deviations"`
	Alerts             []VarianceAlert `json:"alerts"`
	GeneratedAt        string          `json:"generated_at"`
}

type ActivityLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CounterCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CounterUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
	SessionStatusCancelled  = "cancelled"
)
