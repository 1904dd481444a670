package catalog

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ikenchina/fdwxact/tc/config"
)

var (
	ErrNotExist = errors.New("catalog object does not exist")
)

// Endpoint describes a foreign server.
type Endpoint struct {
	Id             uint32
	Name           string
	Address        string
	Options        map[string]string
	TwoPhaseCommit bool
}

// Credential is a user mapping for one endpoint.
type Credential struct {
	Id         uint32
	EndpointId uint32
	User       string
	Secret     string
	Options    map[string]string
}

type Catalog interface {
	LookupEndpoint(ctx context.Context, id uint32) (*Endpoint, error)
	LookupCredential(ctx context.Context, id uint32) (*Credential, error)
}

type staticCatalog struct {
	endpoints   map[uint32]*Endpoint
	credentials map[uint32]*Credential
}

// NewStatic builds a catalog from the configured endpoints and credentials.
func NewStatic(endpoints []config.EndpointConfig, credentials []config.CredentialConfig) (Catalog, error) {
	sc := &staticCatalog{
		endpoints:   make(map[uint32]*Endpoint, len(endpoints)),
		credentials: make(map[uint32]*Credential, len(credentials)),
	}
	for _, ep := range endpoints {
		if _, ok := sc.endpoints[ep.Id]; ok {
			return nil, fmt.Errorf("duplicate endpoint id %d", ep.Id)
		}
		sc.endpoints[ep.Id] = &Endpoint{
			Id:             ep.Id,
			Name:           ep.Name,
			Address:        ep.Address,
			Options:        ep.Options,
			TwoPhaseCommit: ep.TwoPhaseCommit,
		}
	}
	for _, cr := range credentials {
		if _, ok := sc.endpoints[cr.EndpointId]; !ok {
			return nil, fmt.Errorf("credential %d refers to unknown endpoint %d", cr.Id, cr.EndpointId)
		}
		if _, ok := sc.credentials[cr.Id]; ok {
			return nil, fmt.Errorf("duplicate credential id %d", cr.Id)
		}
		sc.credentials[cr.Id] = &Credential{
			Id:         cr.Id,
			EndpointId: cr.EndpointId,
			User:       cr.User,
			Secret:     cr.Secret,
			Options:    cr.Options,
		}
	}
	return sc, nil
}

func (sc *staticCatalog) LookupEndpoint(ctx context.Context, id uint32) (*Endpoint, error) {
	ep, ok := sc.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %d : %w", id, ErrNotExist)
	}
	return ep, nil
}

func (sc *staticCatalog) LookupCredential(ctx context.Context, id uint32) (*Credential, error) {
	cr, ok := sc.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %d : %w", id, ErrNotExist)
	}
	return cr, nil
}

type cacheKey struct {
	kind byte
	id   uint32
}

type cachedCatalog struct {
	backend Catalog
	cache   *lru.Cache
}

// NewCached memoizes lookups of backend in an LRU of size entries.
func NewCached(backend Catalog, size int) (Catalog, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &cachedCatalog{backend: backend, cache: cache}, nil
}

func (cc *cachedCatalog) LookupEndpoint(ctx context.Context, id uint32) (*Endpoint, error) {
	key := cacheKey{kind: 'e', id: id}
	if v, ok := cc.cache.Get(key); ok {
		return v.(*Endpoint), nil
	}
	ep, err := cc.backend.LookupEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	cc.cache.Add(key, ep)
	return ep, nil
}

func (cc *cachedCatalog) LookupCredential(ctx context.Context, id uint32) (*Credential, error) {
	key := cacheKey{kind: 'c', id: id}
	if v, ok := cc.cache.Get(key); ok {
		return v.(*Credential), nil
	}
	cr, err := cc.backend.LookupCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	cc.cache.Add(key, cr)
	return cr, nil
}
