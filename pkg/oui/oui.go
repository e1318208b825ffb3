// Package oui looks up the vendor owning a MAC address.
package oui

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/shaj13/libcache"
	_ "github.com/shaj13/libcache/lru"
	"go.uber.org/zap"
	"gopkg.in/resty.v1"
)

var (
	ErrUnavailable = errors.New("Unable to lookup MAC address")
	ErrAPIChanged  = errors.New("MAC lookup API changed")
)

const (
	DefaultCacheSize = 1024
	DefaultTTL       = 24 * time.Hour
)

type response struct {
	Result *struct {
		Company *string `json:"company"`
	} `json:"result"`
}

// Resolver queries <base>/<mac> and remembers the answers.
type Resolver struct {
	rc    *resty.Client
	cache libcache.Cache
	ttl   time.Duration
	log   *zap.Logger
}

func New(baseURL string, lg *zap.Logger) *Resolver {
	rc := resty.New().
		SetHostURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10*time.Second).
		SetHeader("User-Agent", "tgctl").
		SetHeader("Accept", "application/json")
	return &Resolver{rc: rc, cache: libcache.LRU.New(DefaultCacheSize), ttl: DefaultTTL, log: lg}
}

// Lookup returns the company registered for mac. Transport and HTTP
// failures are ErrUnavailable, an answer without result.company is
// ErrAPIChanged.
func (r *Resolver) Lookup(ctx context.Context, mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", err
	}
	key := hw.String()
	if v, ok := r.cache.Load(key); ok {
		return v.(string), nil
	}

	var body response
	resp, err := r.rc.R().SetContext(ctx).SetResult(&body).Get("/" + url.PathEscape(key))
	if err != nil {
		r.log.Debug("vendor lookup failed", zap.String("mac", key), zap.Error(err))
		return "", ErrUnavailable
	}
	if resp.IsError() {
		r.log.Debug("vendor lookup failed", zap.String("mac", key), zap.String("status", resp.Status()))
		return "", ErrUnavailable
	}
	if body.Result == nil || body.Result.Company == nil {
		return "", ErrAPIChanged
	}
	r.cache.StoreWithTTL(key, *body.Result.Company, r.ttl)
	return *body.Result.Company, nil
}

// Vendor is Lookup with the failure rendered as the vendor string.
func (r *Resolver) Vendor(ctx context.Context, mac string) string {
	v, err := r.Lookup(ctx, mac)
	if err != nil {
		return err.Error()
	}
	return v
}
