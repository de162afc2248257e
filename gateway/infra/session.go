package infra

import (
	"math"
	"time"

	"admission-gateway/gateway/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSessionTTL = time.Hour

type Session struct {
	OwnerID   string
	CreatedAt time.Time
}

type sessionEntry struct {
	s         Session
	expiresAt time.Time
}

// SessionCache diz se um handle de stream ainda está "vivo", independente
// de o canal estar vazio. Entradas expiram após o TTL e são descartadas
// na leitura; o cache não mantém goroutine própria.
type SessionCache struct {
	lru *lru.Cache[domain.StreamID, sessionEntry]
	ttl time.Duration
	now func() time.Time
}

// NewSessionCache cria o cache. size 0 = sem limite de entradas.
func NewSessionCache(ttl time.Duration, size int) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if size <= 0 {
		size = math.MaxInt32
	}
	// só falha com size <= 0
	c, _ := lru.New[domain.StreamID, sessionEntry](size)
	return &SessionCache{lru: c, ttl: ttl, now: time.Now}
}

func (c *SessionCache) TTL() time.Duration { return c.ttl }

func (c *SessionCache) Put(id domain.StreamID, s Session) {
	c.lru.Add(id, sessionEntry{s: s, expiresAt: c.now().Add(c.ttl)})
}

func (c *SessionCache) Alive(id domain.StreamID) (Session, bool) {
	e, ok := c.lru.Get(id)
	if !ok {
		return Session{}, false
	}
	if !c.now().Before(e.expiresAt) {
		c.lru.Remove(id)
		return Session{}, false
	}
	return e.s, true
}

func (c *SessionCache) Remove(id domain.StreamID) { c.lru.Remove(id) }

// Len conta também entradas expiradas que ainda não foram lidas.
func (c *SessionCache) Len() int { return c.lru.Len() }
