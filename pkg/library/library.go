// Package library contains the persisted user configuration: playlist URL, favorites and watch history.
package library

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/bluenviron/goiptv/pkg/m3u"
)

// DefaultPlaylistURL is the playlist used when no URL has been set.
const DefaultPlaylistURL = "https://raw.githubusercontent.com/hasanhabibmottakin/AynaOTT/refs/heads/main/playlist.m3u"

// MaxHistory is the maximum number of history entries.
const MaxHistory = 50

// HistoryEntry is a watched channel.
type HistoryEntry struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Logo  string `yaml:"logo,omitempty"`
	Group string `yaml:"group"`
	URL   string `yaml:"url"`
}

// Channel returns the channel of the entry.
func (e HistoryEntry) Channel() *m3u.Channel {
	return &m3u.Channel{
		ID:    e.ID,
		Name:  e.Name,
		Logo:  e.Logo,
		Group: e.Group,
		URL:   e.URL,
	}
}

type document struct {
	PlaylistURL string         `yaml:"playlistURL,omitempty"`
	Favorites   []string       `yaml:"favorites,omitempty"`
	History     []HistoryEntry `yaml:"history,omitempty"`
}

// Library is a persisted user configuration.
// Every mutation is written to disk atomically.
type Library struct {
	path string

	mutex sync.Mutex
	doc   document
}

// Open loads a library from disk.
// A missing file results in an empty library.
func Open(path string) (*Library, error) {
	l := &Library{
		path: path,
	}

	byts, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(byts))
	dec.KnownFields(true)

	err = dec.Decode(&l.doc)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unable to decode library: %w", err)
	}

	return l, nil
}

// save writes doc to disk and makes it current once the write succeeds.
// It must be called with the mutex held.
func (l *Library) save(doc document) error {
	byts, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	err = writeFile(l.path, byts)
	if err != nil {
		return err
	}

	l.doc = doc
	return nil
}

// PlaylistURL returns the playlist URL, or DefaultPlaylistURL when none has been set.
func (l *Library) PlaylistURL() string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.doc.PlaylistURL == "" {
		return DefaultPlaylistURL
	}
	return l.doc.PlaylistURL
}

// SetPlaylistURL sets the playlist URL.
func (l *Library) SetPlaylistURL(u string) error {
	if u == "" {
		return fmt.Errorf("playlist URL is empty")
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	doc := l.doc
	doc.PlaylistURL = u
	return l.save(doc)
}

// ResetPlaylistURL restores DefaultPlaylistURL.
func (l *Library) ResetPlaylistURL() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	doc := l.doc
	doc.PlaylistURL = ""
	return l.save(doc)
}

// ToggleFavorite adds or removes a channel from favorites.
// It returns whether the channel is a favorite after the call.
func (l *Library) ToggleFavorite(id string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	doc := l.doc

	for i, fav := range l.doc.Favorites {
		if fav == id {
			doc.Favorites = append(l.doc.Favorites[:i:i], l.doc.Favorites[i+1:]...)
			err := l.save(doc)
			return err != nil, err
		}
	}

	doc.Favorites = append(l.doc.Favorites[:len(l.doc.Favorites):len(l.doc.Favorites)], id)
	err := l.save(doc)
	return err == nil, err
}

// IsFavorite returns whether a channel is a favorite.
func (l *Library) IsFavorite(id string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for _, fav := range l.doc.Favorites {
		if fav == id {
			return true
		}
	}
	return false
}

// Favorites returns the identifiers of favorite channels, in insertion order.
func (l *Library) Favorites() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return append([]string(nil), l.doc.Favorites...)
}

// FavoriteChannels returns the favorite channels that are present in a catalog, in catalog order.
func (l *Library) FavoriteChannels(catalog *m3u.Catalog) []*m3u.Channel {
	l.mutex.Lock()
	favs := make(map[string]struct{}, len(l.doc.Favorites))
	for _, fav := range l.doc.Favorites {
		favs[fav] = struct{}{}
	}
	l.mutex.Unlock()

	var ret []*m3u.Channel
	for _, ch := range catalog.Channels {
		if _, ok := favs[ch.ID]; ok {
			ret = append(ret, ch)
		}
	}
	return ret
}

// AddToHistory moves a channel at the top of the history.
func (l *Library) AddToHistory(ch *m3u.Channel) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	history := make([]HistoryEntry, 0, len(l.doc.History)+1)
	history = append(history, HistoryEntry{
		ID:    ch.ID,
		Name:  ch.Name,
		Logo:  ch.Logo,
		Group: ch.Group,
		URL:   ch.URL,
	})

	for _, e := range l.doc.History {
		if e.ID != ch.ID {
			history = append(history, e)
		}
	}

	if len(history) > MaxHistory {
		history = history[:MaxHistory]
	}

	doc := l.doc
	doc.History = history
	return l.save(doc)
}

// History returns watched channels, most recent first.
func (l *Library) History() []HistoryEntry {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return append([]HistoryEntry(nil), l.doc.History...)
}
