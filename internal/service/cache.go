// cache.go — LRU-кэш записей ссылок с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Nay2017/VaultShare/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vs_cache_hits_total",
		Help: "Общее количество попаданий в кэш записей ссылок.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vs_cache_misses_total",
		Help: "Общее количество промахов кэша записей ссылок.",
	})
)

// RecordCache — кэш записей ссылок в памяти экземпляра.
// Хранит копии записей: счётчик скачиваний в кэше может отставать,
// видимость всегда вычисляется по ExpiresAt и текущим часам.
type RecordCache struct {
	cache *expirable.LRU[string, *model.LinkRecord]
}

// NewRecordCache создаёт кэш на maxSize записей с временем жизни ttl.
func NewRecordCache(maxSize int, ttl time.Duration) *RecordCache {
	return &RecordCache{
		cache: expirable.NewLRU[string, *model.LinkRecord](maxSize, nil, ttl),
	}
}

// Get возвращает копию записи по id.
func (c *RecordCache) Get(id string) (*model.LinkRecord, bool) {
	rec, ok := c.cache.Get(id)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return rec.Clone(), true
}

// Set кладёт копию записи в кэш.
func (c *RecordCache) Set(rec *model.LinkRecord) {
	c.cache.Add(rec.ID, rec.Clone())
}

// Delete удаляет запись из кэша.
func (c *RecordCache) Delete(id string) {
	c.cache.Remove(id)
}

// Len возвращает текущее число записей.
func (c *RecordCache) Len() int {
	return c.cache.Len()
}
