package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"retailpdv/backend/internal/authz"
	"retailpdv/backend/internal/cache"
	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/lock"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/xid"
)

type actorContextKey struct{}

type principal struct {
	actor domain.Actor
	caps  authz.Set
}

// WithActor attaches the authenticated actor to ctx. Capabilities are
// resolved from the role once, here.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, principal{actor: actor, caps: authz.ForRole(actor.Role)})
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	p, ok := ctx.Value(actorContextKey{}).(principal)
	return p.actor, ok
}

func CapabilitiesFromContext(ctx context.Context) authz.Set {
	p, _ := ctx.Value(actorContextKey{}).(principal)
	return p.caps
}

type Options struct {
	AllowNegativeStock bool
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	ReceivableDueDays  int
	SummaryCacheTTL    time.Duration
	LockTTL            time.Duration
	Now                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RetryAttempts < 1 {
		o.RetryAttempts = 4
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 25 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 400 * time.Millisecond
	}
	if o.ReceivableDueDays < 1 {
		o.ReceivableDueDays = 30
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Service struct {
	repo     store.Repository
	cache    cache.SummaryCache
	locker   lock.Locker
	log      logrus.FieldLogger
	validate *validator.Validate
	opts     Options
	loads    singleflight.Group

	// summaryGens counts invalidations per summary key so a load that raced
	// a write can drop what it cached.
	genMu       sync.Mutex
	summaryGens map[string]uint64
}

func New(repo store.Repository, summaryCache cache.SummaryCache, locker lock.Locker, logger logrus.FieldLogger, opts Options) *Service {
	if summaryCache == nil {
		summaryCache = cache.NoopSummaryCache{}
	}
	if locker == nil {
		locker = lock.Noop{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Service{
		repo:        repo,
		cache:       summaryCache,
		locker:      locker,
		log:         logger.WithField("module", "service"),
		validate:    validator.New(),
		opts:        opts.withDefaults(),
		summaryGens: make(map[string]uint64),
	}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// authorize returns the actor when it holds capability c.
func (s *Service) authorize(ctx context.Context, c authz.Capability) (domain.Actor, error) {
	p, ok := ctx.Value(actorContextKey{}).(principal)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	if !p.caps.Has(c) {
		return domain.Actor{}, fmt.Errorf("%w: role %s lacks %s", store.ErrForbidden, p.actor.Role, c)
	}
	return p.actor, nil
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()+" "+fe.Tag())
		}
		return fmt.Errorf("%w: %s", store.ErrValidation, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", store.ErrValidation, err)
}

// storeDay resolves date (YYYY-MM-DD, empty means today) into the store-local
// half-open range [from, to).
func (s *Service) storeDay(ctx context.Context, storeID string, date string) (*domain.Store, time.Time, time.Time, string, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, time.Time{}, time.Time{}, "", err
	}
	st, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return nil, time.Time{}, time.Time{}, "", err
	}
	loc := st.Location()

	day := strings.TrimSpace(date)
	if day == "" {
		day = s.now().In(loc).Format("2006-01-02")
	}
	from, to, err := dayBounds(loc, day)
	if err != nil {
		return nil, time.Time{}, time.Time{}, "", err
	}
	return st, from, to, from.Format("2006-01-02"), nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := s.authorize(ctx, authz.ViewReports); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	_, from, to, _, err := s.storeDay(ctx, storeID, date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}

// logAudit writes outside the unit of work; a failure here never undoes the
// operation it describes.
func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.log.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}

func ValidateStoreID(storeID string) error {
	if strings.TrimSpace(storeID) == "" {
		return fmt.Errorf("%w: store_id is required", store.ErrValidation)
	}
	return nil
}
