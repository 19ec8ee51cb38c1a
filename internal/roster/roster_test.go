package roster

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/internal/timeline"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTracker(botName string) (*Tracker, *timeline.ChangeLog, *clock) {
	clk := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	cl := timeline.NewChangeLog(0)
	tr := NewTracker(New(), cl, botName)
	tr.SetClock(clk.now)
	return tr, cl, clk
}

func TestOnReadyFiresOnce(t *testing.T) {
	tr, _, _ := newTracker("")
	calls := 0
	tr.OnReady(func() { calls++ })
	assert.False(t, tr.Ready())

	tr.Join("1", "Alice", false)
	tr.Join("2", "Bob", false)
	assert.Equal(t, 1, calls)
	assert.True(t, tr.Ready())

	tr.OnReady(func() { calls++ })
	assert.Equal(t, 2, calls, "late registration runs immediately")
}

func TestSetSpeakerRecordsChanges(t *testing.T) {
	tr, cl, clk := newTracker("")
	tr.Join("1", "Alice", false)
	tr.Join("2", "Bob", false)

	tr.SetSpeaker("1")
	name, changed := tr.Current()
	assert.Equal(t, "Alice", name)
	assert.True(t, changed)

	_, changed = tr.Current()
	assert.False(t, changed, "flag consumed")

	clk.t = clk.t.Add(time.Second)
	tr.SetSpeaker("1")
	_, changed = tr.Current()
	assert.False(t, changed, "same speaker is not a change")

	tr.SetSpeaker("2")
	assert.Equal(t, "Bob", tr.CurrentSpeaker())
	assert.Equal(t, 2, cl.Len())

	tr.SetSpeaker("99")
	assert.Equal(t, "99", tr.CurrentSpeaker(), "unknown ids fall back to the id")
}

func TestMostRecentHuman(t *testing.T) {
	tr, _, clk := newTracker("Scribe")
	tr.Join("bot", "Helper", true)
	tr.Join("self", "Scribe", false)
	tr.Join("1", "Alice", false)
	tr.Join("2", "Bob", false)

	_, ok := tr.RecentHuman(clk.t, 10*time.Second)
	assert.False(t, ok, "nobody has spoken yet")

	tr.SetSpeaker("1")
	clk.t = clk.t.Add(2 * time.Second)
	tr.SetSpeaker("2")
	tr.SetSpeaker("bot")
	tr.SetSpeaker("self")

	name, ok := tr.RecentHuman(clk.t, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, "Bob", name)

	_, ok = tr.RecentHuman(clk.t.Add(11*time.Second), 10*time.Second)
	assert.False(t, ok, "stale activity is ignored")

	assert.Equal(t, []string{"Scribe", "Alice", "Bob"}, tr.Participants())
}

func TestRosterRemove(t *testing.T) {
	r := New()
	now := time.Now()
	assert.True(t, r.Upsert("1", "", false, now))
	assert.False(t, r.Upsert("2", "Bob", false, now))
	p, ok := r.Get("1")
	require.True(t, ok)
	assert.Equal(t, "1", p.Name, "empty name falls back to id")

	r.Remove("1")
	r.Remove("missing")
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"Bob"}, r.Names())
}

type staticResolver map[string]string

func (s staticResolver) UserName(id string) string { return s[id] }
func (s staticResolver) ChannelName(string) string { return "general" }

func TestDiscordAdapter(t *testing.T) {
	tr, _, _ := newTracker("")
	d := NewDiscord(tr, staticResolver{"u2": "Bob"}, "chan")

	d.HandleVoiceState(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		UserID: "u1", ChannelID: "chan",
		Member: &discordgo.Member{Nick: "Ali", User: &discordgo.User{ID: "u1", Username: "alice"}},
	}})
	d.HandleVoiceState(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		UserID: "b1", ChannelID: "chan",
		Member: &discordgo.Member{User: &discordgo.User{ID: "b1", Username: "musicbot", Bot: true}},
	}})
	require.Equal(t, 2, tr.Roster().Len())

	// Speaking update from someone never seen in a voice state.
	d.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u2", SSRC: 42, Speaking: true})
	assert.Equal(t, "Bob", tr.CurrentSpeaker())
	uid, ok := d.UserForSSRC(42)
	require.True(t, ok)
	assert.Equal(t, "u2", uid)

	d.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7, Speaking: true})
	assert.Equal(t, "Ali", tr.CurrentSpeaker())

	// Moving to another channel counts as leaving.
	d.HandleVoiceState(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{UserID: "u1", ChannelID: "other"}})
	_, ok = tr.Roster().Get("u1")
	assert.False(t, ok)
	assert.Equal(t, []string{"Bob"}, tr.Participants())
}

func TestDiscordResolverNilSession(t *testing.T) {
	r := NewDiscordResolver(nil)
	assert.Equal(t, "", r.UserName("1"))
	assert.Equal(t, "", r.ChannelName("1"))
}
