package normalization

import (
	"container/list"
	"sync"
)

// DefaultCacheSize размер кэша нормализации по умолчанию
const DefaultCacheSize = 4096

// CacheStats статистика кэша
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// cleanCache ограниченный LRU-кэш результатов нормализации.
// Нормализация чиста относительно (имя, адрес, индекс, город), поэтому
// повторяющиеся записи входного файла не ходят в модель второй раз.
// Кэш локален для воркера, но защищен мьютексом на случай общего владельца.
type cleanCache struct {
	capacity int
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	hits     int64
	misses   int64
}

type cacheItem struct {
	key    string
	record CleanedRecord
}

// newCleanCache создает новый LRU-кэш; capacity <= 0 заменяется умолчанием
func newCleanCache(capacity int) *cleanCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &cleanCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get возвращает закэшированный результат и признак попадания
func (c *cleanCache) Get(key string) (CleanedRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return CleanedRecord{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return el.Value.(*cacheItem).record, true
}

// Put сохраняет результат, вытесняя самый старый при переполнении
func (c *cleanCache) Put(key string, record CleanedRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).record = record
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheItem{key: key, record: record})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheItem).key)
		}
	}
}

// Stats возвращает снимок статистики кэша
func (c *cleanCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: c.ll.Len()}
}
