// Package m3u contains an extended M3U playlist decoder and encoder.
package m3u

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"sort"
	"strings"
)

const (
	// DefaultGroup is the group of channels without a group-title attribute.
	DefaultGroup = "Uncategorized"

	// DefaultName is the name of channels without a display name.
	DefaultName = "Unknown Channel"

	extinfPrefix = "#EXTINF:"
	idLength     = 12
)

var (
	reLogo  = regexp.MustCompile(`tvg-logo="([^"]*)"`)
	reGroup = regexp.MustCompile(`group-title="([^"]*)"`)
)

// Channel is a playable stream.
type Channel struct {
	ID    string
	Name  string
	Logo  string
	Group string
	URL   string
}

// Category is a group of channels.
type Category struct {
	Name     string
	Channels []*Channel
}

// Catalog is the result of parsing a playlist.
type Catalog struct {
	// channels in playlist order.
	Channels []*Channel

	// categories sorted by name.
	Categories []*Category
}

// ChannelID returns the identifier of the channel with given URL and name.
func ChannelID(url string, name string) string {
	sum := sha256.Sum256([]byte(url + "\n" + name))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:idLength]
}

// readLine reads a line from a string. It returns the line and the remaining string.
func readLine(s string) (string, string) {
	line, remaining, found := strings.Cut(s, "\n")
	if !found {
		return s, ""
	}

	if len(line) != 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}

	return line, remaining
}

type pendingChannel struct {
	name  string
	logo  string
	group string
}

func pendingChannelUnmarshal(info string) *pendingChannel {
	pc := &pendingChannel{
		group: DefaultGroup,
	}

	if m := reLogo.FindStringSubmatch(info); m != nil {
		pc.logo = m[1]
	}

	if m := reGroup.FindStringSubmatch(info); m != nil && m[1] != "" {
		pc.group = m[1]
	}

	// attribute values can contain commas, the name is after the last one
	if i := strings.LastIndexByte(info, ','); i >= 0 {
		pc.name = strings.TrimSpace(info[i+1:])
	}

	return pc
}

// parseState is the accumulator of Parse.
type parseState struct {
	pending  *pendingChannel
	channels []*Channel
}

func (st parseState) step(line string) parseState {
	line = strings.TrimSpace(line)

	switch {
	case line == "":

	case strings.HasPrefix(line, extinfPrefix):
		st.pending = pendingChannelUnmarshal(line[len(extinfPrefix):])

	case strings.HasPrefix(line, "#"):

	default:
		pc := st.pending
		if pc == nil {
			pc = &pendingChannel{group: DefaultGroup}
		}

		name := pc.name
		if name == "" {
			name = DefaultName
		}

		st.channels = append(st.channels, &Channel{
			ID:    ChannelID(line, name),
			Name:  name,
			Logo:  pc.logo,
			Group: pc.group,
			URL:   line,
		})
		st.pending = nil
	}

	return st
}

// Parse decodes an extended M3U playlist.
// Lines that cannot be interpreted are skipped.
func Parse(content string) *Catalog {
	var st parseState

	for content != "" {
		var line string
		line, content = readLine(content)
		st = st.step(line)
	}

	return newCatalog(st.channels)
}

func newCatalog(channels []*Channel) *Catalog {
	groups := make(map[string]*Category)
	var names []string

	for _, ch := range channels {
		cat, ok := groups[ch.Group]
		if !ok {
			cat = &Category{Name: ch.Group}
			groups[ch.Group] = cat
			names = append(names, ch.Group)
		}
		cat.Channels = append(cat.Channels, ch)
	}

	sort.Strings(names)

	categories := make([]*Category, len(names))
	for i, name := range names {
		categories[i] = groups[name]
	}

	return &Catalog{
		Channels:   channels,
		Categories: categories,
	}
}
