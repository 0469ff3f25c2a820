package m3u

import (
	"strings"
)

// Empty returns whether the catalog contains no channels.
func (c *Catalog) Empty() bool {
	return len(c.Channels) == 0
}

// Channel returns the first channel with given ID, or nil.
func (c *Catalog) Channel(id string) *Channel {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

// Category returns the category with given name, or nil.
func (c *Catalog) Category(name string) *Category {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat
		}
	}
	return nil
}

// Search returns channels whose name contains query, ignoring case.
func (c *Catalog) Search(query string) []*Channel {
	if query == "" {
		return nil
	}

	query = strings.ToLower(query)

	var ret []*Channel
	for _, ch := range c.Channels {
		if strings.Contains(strings.ToLower(ch.Name), query) {
			ret = append(ret, ch)
		}
	}
	return ret
}

// Merge returns a catalog containing the channels of both catalogs.
// Channels of other come after the ones of c, categories with the same name are merged.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	channels := make([]*Channel, 0, len(c.Channels)+len(other.Channels))
	channels = append(channels, c.Channels...)
	channels = append(channels, other.Channels...)
	return newCatalog(channels)
}
