package roster

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver maps platform ids to human-readable names. Empty means
// unknown.
type NameResolver interface {
	UserName(userID string) string
	ChannelName(channelID string) string
}

// NoopResolver never resolves anything. Useful in tests and offline runs.
type NoopResolver struct{}

func (NoopResolver) UserName(string) string    { return "" }
func (NoopResolver) ChannelName(string) string { return "" }

// cacheTTL controls how long a cached name is valid.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

// DiscordResolver resolves names from the gateway state first and falls back
// to REST, caching results for cacheTTL.
type DiscordResolver struct {
	s   *discordgo.Session
	now func() time.Time

	mu       sync.Mutex
	users    map[string]cacheEntry
	channels map[string]cacheEntry
}

func NewDiscordResolver(s *discordgo.Session) *DiscordResolver {
	return &DiscordResolver{
		s:        s,
		now:      time.Now,
		users:    make(map[string]cacheEntry),
		channels: make(map[string]cacheEntry),
	}
}

func (d *DiscordResolver) lookup(m map[string]cacheEntry, id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := m[id]; ok {
		if d.now().Before(e.expiry) {
			return e.val, true
		}
		delete(m, id)
	}
	return "", false
}

func (d *DiscordResolver) store(m map[string]cacheEntry, id, val string) {
	d.mu.Lock()
	m[id] = cacheEntry{val: val, expiry: d.now().Add(cacheTTL)}
	d.mu.Unlock()
}

func (d *DiscordResolver) UserName(userID string) string {
	if d.s == nil || userID == "" {
		return ""
	}
	if v, ok := d.lookup(d.users, userID); ok {
		return v
	}
	u, err := d.s.User(userID)
	if err != nil || u == nil {
		return ""
	}
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	d.store(d.users, userID, name)
	return name
}

func (d *DiscordResolver) ChannelName(channelID string) string {
	if d.s == nil || channelID == "" {
		return ""
	}
	if v, ok := d.lookup(d.channels, channelID); ok {
		return v
	}
	if d.s.State != nil {
		if c, err := d.s.State.Channel(channelID); err == nil && c != nil {
			d.store(d.channels, channelID, c.Name)
			return c.Name
		}
	}
	if c, err := d.s.Channel(channelID); err == nil && c != nil {
		d.store(d.channels, channelID, c.Name)
		return c.Name
	}
	return ""
}
