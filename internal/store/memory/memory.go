package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/xid"
)

// Store keeps every table in process memory. A unit of work holds the write
// lock for its whole duration and restores a snapshot when it fails, so units
// of work are serializable.
type Store struct {
	mu    sync.RWMutex
	st    *state
	users map[string]domain.UserAccount
}

type state struct {
	// master data, never written by a unit of work
	stores         map[string]domain.Store
	customers      map[string]domain.Customer
	products       map[string]domain.Product
	paymentMethods map[string]domain.PaymentMethod

	saleSeq       map[string]int64
	sales         map[string]domain.Sale
	salesByIdem   map[string]string
	salesByNumber map[string]string
	stock         map[string]domain.ProductStock
	movements     []domain.StockMovement
	receivables   map[string]domain.AccountReceivable
	closings      map[string]domain.CashClosing
	closingByDate map[string]string
	cashMovements []domain.CashMovement
	auditLogs     []domain.AuditLog
}

func newState() *state {
	return &state{
		stores:         make(map[string]domain.Store),
		customers:      make(map[string]domain.Customer),
		products:       make(map[string]domain.Product),
		paymentMethods: make(map[string]domain.PaymentMethod),
		saleSeq:        make(map[string]int64),
		sales:          make(map[string]domain.Sale),
		salesByIdem:    make(map[string]string),
		salesByNumber:  make(map[string]string),
		stock:          make(map[string]domain.ProductStock),
		movements:      make([]domain.StockMovement, 0, 256),
		receivables:    make(map[string]domain.AccountReceivable),
		closings:       make(map[string]domain.CashClosing),
		closingByDate:  make(map[string]string),
		cashMovements:  make([]domain.CashMovement, 0, 32),
		auditLogs:      make([]domain.AuditLog, 0, 128),
	}
}

func (st *state) clone() *state {
	sales := make(map[string]domain.Sale, len(st.sales))
	for id, sale := range st.sales {
		sales[id] = cloneSale(sale)
	}
	return &state{
		stores:         st.stores,
		customers:      st.customers,
		products:       st.products,
		paymentMethods: st.paymentMethods,
		saleSeq:        maps.Clone(st.saleSeq),
		sales:          sales,
		salesByIdem:    maps.Clone(st.salesByIdem),
		salesByNumber:  maps.Clone(st.salesByNumber),
		stock:          maps.Clone(st.stock),
		movements:      slices.Clone(st.movements),
		receivables:    maps.Clone(st.receivables),
		closings:       maps.Clone(st.closings),
		closingByDate:  maps.Clone(st.closingByDate),
		cashMovements:  slices.Clone(st.cashMovements),
		auditLogs:      slices.Clone(st.auditLogs),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD; dev defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", envOr("SEED_ADMIN_PASSWORD", "admin123"), "admin"},
		{"gerente", envOr("SEED_MANAGER_PASSWORD", "gerente123"), "manager"},
		{"caixa", envOr("SEED_CASHIER_PASSWORD", "caixa123"), "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
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
	st := newState()

	for _, s := range []domain.Store{
		{ID: "loja-centro", Code: "LC01", Name: "Loja Centro", Timezone: "America/Sao_Paulo"},
		{ID: "loja-norte", Code: "LN02", Name: "Loja Norte", Timezone: "America/Manaus"},
	} {
		st.stores[s.ID] = s
	}

	for _, c := range []domain.Customer{
		{ID: "cli-consumidor", Name: "Consumidor Final", CreditLimit: decimal.Zero, Active: true},
		{ID: "cli-maria", Name: "Maria Souza", CreditLimit: decimal.RequireFromString("500.00"), Active: true},
		{ID: "cli-joao", Name: "Joao Lima", CreditLimit: decimal.RequireFromString("50.00"), Active: true},
		{ID: "cli-bloqueado", Name: "Cliente Bloqueado", CreditLimit: decimal.RequireFromString("100.00"), Active: false},
	} {
		st.customers[c.ID] = c
	}

	for _, p := range []domain.Product{
		{ID: "prod-arroz", SKU: "ARZ-5KG", Name: "Arroz Tipo 1 5kg", Price: decimal.RequireFromString("27.90"), Active: true},
		{ID: "prod-feijao", SKU: "FEJ-1KG", Name: "Feijao Carioca 1kg", Price: decimal.RequireFromString("8.49"), Active: true},
		{ID: "prod-cafe", SKU: "CAF-500", Name: "Cafe Torrado 500g", Price: decimal.RequireFromString("18.50"), Active: true},
		{ID: "prod-sabao", SKU: "SAB-1KG", Name: "Sabao em Po 1kg", Price: decimal.RequireFromString("10.00"), Active: true},
		{ID: "prod-leite", SKU: "LEI-1L", Name: "Leite Integral 1L", Price: decimal.RequireFromString("5.29"), Active: true},
		{ID: "prod-descontinuado", SKU: "OLD-001", Name: "Produto Descontinuado", Price: decimal.RequireFromString("3.00"), Active: false},
	} {
		st.products[p.ID] = p
	}

	for _, pm := range []domain.PaymentMethod{
		{ID: "pm-dinheiro", Name: "Dinheiro", Kind: domain.PaymentCash, Active: true},
		{ID: "pm-credito", Name: "Cartao de Credito", Kind: domain.PaymentCreditCard, Active: true},
		{ID: "pm-debito", Name: "Cartao de Debito", Kind: domain.PaymentDebitCard, Active: true},
		{ID: "pm-pix", Name: "PIX", Kind: domain.PaymentPix, Active: true},
		{ID: "pm-crediario", Name: "Crediario", Kind: domain.PaymentStoreCredit, Active: true},
		{ID: "pm-vale", Name: "Vale Alimentacao", Kind: domain.PaymentOther, Active: true},
	} {
		st.paymentMethods[pm.ID] = pm
	}

	// Opening balances go through the movement log so replay matches the cache.
	seededAt := time.Now().UTC().Add(-24 * time.Hour)
	storeIDs := slices.Sorted(maps.Keys(st.stores))
	productIDs := slices.Sorted(maps.Keys(st.products))
	for _, storeID := range storeIDs {
		for _, productID := range productIDs {
			if !st.products[productID].Active {
				continue
			}
			st.stock[stockKey(productID, storeID)] = domain.ProductStock{
				ProductID:   productID,
				StoreID:     storeID,
				Quantity:    100,
				MinQuantity: 10,
				MaxQuantity: 500,
				UpdatedAt:   seededAt,
			}
			st.movements = append(st.movements, domain.StockMovement{
				ID:            xid.New("mov"),
				ProductID:     productID,
				StoreID:       storeID,
				Type:          domain.StockEntry,
				Quantity:      100,
				ReferenceType: domain.RefOpeningBalance,
				ReferenceID:   storeID,
				CreatedBy:     "system",
				CreatedAt:     seededAt,
			})
		}
	}

	return &Store{st: st, users: seedUsers()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &unit{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// view returns a read-only unit over the current state; callers hold s.mu.
func (s *Store) view() *unit {
	return &unit{st: s.st}
}

func (s *Store) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetStore(ctx, storeID)
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetCustomer(ctx, customerID)
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetProductsByIDs(ctx, ids)
}

func (s *Store) GetPaymentMethodsByIDs(ctx context.Context, ids []string) (map[string]domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetPaymentMethodsByIDs(ctx, ids)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, storeID string, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().FindSaleByIdempotency(ctx, storeID, key)
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetSale(ctx, saleID)
}

func (s *Store) GetCreditStatus(ctx context.Context, customerID string) (domain.CreditStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetCreditStatus(ctx, customerID)
}

func (s *Store) GetReceivable(ctx context.Context, receivableID string) (*domain.AccountReceivable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetReceivable(ctx, receivableID)
}

func (s *Store) ListReceivablesBySale(ctx context.Context, saleID string) ([]domain.AccountReceivable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListReceivablesBySale(ctx, saleID)
}

func (s *Store) GetProductStock(ctx context.Context, productID string, storeID string) (*domain.ProductStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetProductStock(ctx, productID, storeID)
}

func (s *Store) ListStockMovements(ctx context.Context, filter domain.StockMovementFilter) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListStockMovements(ctx, filter)
}

func (s *Store) ReplayStock(ctx context.Context, productID string, storeID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ReplayStock(ctx, productID, storeID)
}

func (s *Store) SalesSummary(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().SalesSummary(ctx, storeID, from, to)
}

func (s *Store) GetCashClosing(ctx context.Context, closingID string) (*domain.CashClosing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetCashClosing(ctx, closingID)
}

func (s *Store) GetCashClosingByDate(ctx context.Context, storeID string, date string) (*domain.CashClosing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetCashClosingByDate(ctx, storeID, date)
}

func (s *Store) ListCashMovements(ctx context.Context, closingID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListCashMovements(ctx, closingID)
}

func (s *Store) CashMovementTotals(ctx context.Context, closingID string) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().CashMovementTotals(ctx, closingID)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateAuditLog(ctx, entry)
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.st.auditLogs) - 1; i >= 0; i-- {
		entry := s.st.auditLogs[i]
		if entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func stockKey(productID string, storeID string) string {
	return productID + "|" + storeID
}

func storeScopedKey(storeID string, key string) string {
	return storeID + "|" + key
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Items = slices.Clone(src.Items)
	dst.Payments = slices.Clone(src.Payments)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dst.CancelledAt = &at
	}
	return dst
}

func cloneClosing(src domain.CashClosing) domain.CashClosing {
	dst := src
	if src.ClosedAt != nil {
		at := *src.ClosedAt
		dst.ClosedAt = &at
	}
	return dst
}
