package querycache

import (
	"go.uber.org/zap"

	"library-circulation/feed"
)

// Subscriber is the subscription side of a change feed.
type Subscriber interface {
	Subscribe(collection string, onChange func(feed.Change), events ...feed.EventType) (unsubscribe func())
}

// WatchFeed invalidates Key{collection} and every key in also whenever the
// feed reports a change on collection. A resync invalidates the whole cache.
func (c *Cache) WatchFeed(sub Subscriber, collection string, also ...Key) (stop func()) {
	prefixes := append([]Key{{collection}}, also...)
	return sub.Subscribe(collection, func(ch feed.Change) {
		if ch.Type == feed.EventResync {
			n := c.InvalidateAll()
			c.logger.Info("change feed resynced, invalidated cache", zap.Int("count", n))
			return
		}
		for _, prefix := range prefixes {
			c.Invalidate(prefix)
		}
	})
}
