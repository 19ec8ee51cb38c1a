package roster

import (
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/meetscribe/internal/logging"
)

// Discord feeds a Tracker from gateway voice events for one voice channel.
// Speaking updates carry the SSRC -> user mapping and drive speaker changes;
// voice state updates drive joins and leaves.
type Discord struct {
	tracker   *Tracker
	resolver  NameResolver
	channelID string

	mu      sync.Mutex
	ssrcMap map[uint32]string
	members map[string]bool
}

func NewDiscord(t *Tracker, r NameResolver, channelID string) *Discord {
	if r == nil {
		r = NoopResolver{}
	}
	return &Discord{
		tracker:   t,
		resolver:  r,
		channelID: channelID,
		ssrcMap:   make(map[uint32]string),
		members:   make(map[string]bool),
	}
}

// SeedChannel adds everyone already present in the voice channel. Call it
// right after joining.
func (d *Discord) SeedChannel(s *discordgo.Session, guildID string) {
	if s == nil || s.State == nil || guildID == "" || d.channelID == "" {
		return
	}
	gs, err := s.State.Guild(guildID)
	if err != nil || gs == nil {
		logging.Warnw("roster: guild not in state, cannot seed", "guild_id", guildID, "error", err)
		return
	}
	n := 0
	for _, vs := range gs.VoiceStates {
		if vs.ChannelID != d.channelID || vs.UserID == "" {
			continue
		}
		d.join(vs)
		n++
	}
	logging.Infow("roster: seeded voice channel", "channel", d.resolver.ChannelName(d.channelID), "channel_id", d.channelID, "participants", n)
}

// HandleVoiceState tracks joins and leaves for the configured channel.
func (d *Discord) HandleVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || vs.UserID == "" {
		return
	}
	if vs.ChannelID == d.channelID {
		d.join(vs.VoiceState)
		return
	}
	d.mu.Lock()
	known := d.members[vs.UserID]
	delete(d.members, vs.UserID)
	d.mu.Unlock()
	if known {
		d.tracker.Leave(vs.UserID)
	}
}

// HandleSpeakingUpdate maps the SSRC to its user and marks the user as the
// current speaker when they start talking.
func (d *Discord) HandleSpeakingUpdate(_ *discordgo.Session, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	d.mu.Lock()
	prev, mapped := d.ssrcMap[uint32(su.SSRC)]
	d.ssrcMap[uint32(su.SSRC)] = su.UserID
	known := d.members[su.UserID]
	d.mu.Unlock()

	if !mapped || prev != su.UserID {
		logging.Infow("roster: mapped SSRC -> user", "ssrc", su.SSRC, "user_id", su.UserID)
	}
	if !known {
		d.join(&discordgo.VoiceState{UserID: su.UserID, ChannelID: d.channelID})
	}
	if su.Speaking {
		d.tracker.SetSpeaker(su.UserID)
	}
}

// UserForSSRC returns the user mapped to an SSRC, if any.
func (d *Discord) UserForSSRC(ssrc uint32) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	uid, ok := d.ssrcMap[ssrc]
	return uid, ok
}

func (d *Discord) join(vs *discordgo.VoiceState) {
	name, bot := "", false
	if vs.Member != nil {
		name = vs.Member.Nick
		if vs.Member.User != nil {
			bot = vs.Member.User.Bot
			if name == "" {
				name = vs.Member.User.GlobalName
			}
			if name == "" {
				name = vs.Member.User.Username
			}
		}
	}
	if name == "" {
		name = d.resolver.UserName(vs.UserID)
	}
	if name == "" {
		name = vs.UserID
	}

	d.mu.Lock()
	d.members[vs.UserID] = true
	d.mu.Unlock()
	d.tracker.Join(vs.UserID, name, bot)
}
