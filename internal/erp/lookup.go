package erp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"github.com/xelth-com/seedtrackgo/internal/validation"
	"go.uber.org/zap"
)

// DefaultCacheTTL is how long cached metadata stays trustworthy
const DefaultCacheTTL = 24 * time.Hour

// LotSource fetches live metadata; *Client implements it
type LotSource interface {
	FetchLot(ctx context.Context, serial string) (*validation.ERPMetadata, error)
}

// Connectivity reports whether the inventory service may be reachable
type Connectivity interface {
	IsOnline() bool
}

// Clock supplies the adjusted current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Lookup serves metadata from the live service when online and from the
// device cache otherwise.
type Lookup struct {
	source LotSource
	store  store.Store
	net    Connectivity
	clock  Clock
	ttl    time.Duration
	log    *zap.Logger
}

// NewLookup creates a Lookup. source may be nil on devices without ERP access.
func NewLookup(source LotSource, s store.Store, net Connectivity, clock Clock, ttl time.Duration, log *zap.Logger) *Lookup {
	if clock == nil {
		clock = systemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Lookup{source: source, store: s, net: net, clock: clock, ttl: ttl, log: logger.OrNop(log)}
}

// Metadata returns the freshest metadata available, or nil when there is none
func (l *Lookup) Metadata(ctx context.Context, serial string) (*validation.ERPMetadata, error) {
	if l.source != nil && (l.net == nil || l.net.IsOnline()) {
		meta, err := l.source.FetchLot(ctx, serial)
		switch {
		case err == nil:
			meta.CachedAt = l.clock.Now()
			if err := l.store.PutERPMetadata(ctx, toCache(meta)); err != nil {
				l.log.Warn("Could not cache inventory metadata", zap.String("serial", serial), zap.Error(err))
			}
			return meta, nil
		case errors.Is(err, ErrLotNotFound):
			return nil, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			l.log.Warn("Inventory service unreachable, using cache", zap.String("serial", serial), zap.Error(err))
		}
	}

	cached, err := l.store.GetERPMetadata(ctx, serial)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cached.Metadata(), nil
}

// Verify checks serial for use in a treatment of the given indication.
// Any failure to obtain metadata rejects.
func (l *Lookup) Verify(ctx context.Context, serial, indication string) validation.Result {
	meta, err := l.Metadata(ctx, serial)
	if err != nil {
		l.log.Error("Inventory metadata lookup failed", zap.String("serial", serial), zap.Error(err))
		meta = nil
	}
	return validation.ValidateERPMetadata(meta, l.clock.Now(), l.ttl, indication)
}

// Prefetch caches metadata for serials, typically while downloading a bundle
func (l *Lookup) Prefetch(ctx context.Context, serials []string) (cached int) {
	if l.source == nil {
		return 0
	}
	for _, serial := range serials {
		meta, err := l.source.FetchLot(ctx, serial)
		if err != nil {
			if !errors.Is(err, ErrLotNotFound) {
				l.log.Warn("Prefetch failed", zap.String("serial", serial), zap.Error(err))
			}
			continue
		}
		meta.CachedAt = l.clock.Now()
		if err := l.store.PutERPMetadata(ctx, toCache(meta)); err == nil {
			cached++
		}
	}
	return cached
}

func toCache(m *validation.ERPMetadata) *models.ERPMetadataCache {
	var expiry *time.Time
	if m.ExpiryDate != nil {
		t := m.ExpiryDate.UTC()
		expiry = &t
	}
	return &models.ERPMetadataCache{
		Serial:         m.Serial,
		ExpiryDate:     expiry,
		NoUse:          m.NoUse,
		TreatmentTypes: strings.Join(m.TreatmentTypes, ","),
		SeedCount:      m.SeedCount,
		CachedAt:       m.CachedAt.UTC(),
	}
}
