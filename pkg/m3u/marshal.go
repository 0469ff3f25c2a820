package m3u

import (
	"bytes"
	"fmt"
	"strings"
)

func (ch *Channel) marshal(buf *bytes.Buffer) error {
	if strings.ContainsAny(ch.URL, "\r\n") {
		return fmt.Errorf("channel %s: URL contains a line break", ch.ID)
	}
	if strings.ContainsAny(ch.Name, "\r\n") {
		return fmt.Errorf("channel %s: name contains a line break", ch.ID)
	}

	buf.WriteString(extinfPrefix + "-1")

	if ch.Logo != "" {
		buf.WriteString(` tvg-logo="` + strings.ReplaceAll(ch.Logo, `"`, "'") + `"`)
	}

	buf.WriteString(` group-title="` + strings.ReplaceAll(ch.Group, `"`, "'") + `"`)
	buf.WriteString("," + ch.Name + "\n")
	buf.WriteString(ch.URL + "\n")

	return nil
}

// Marshal encodes the catalog as an extended M3U playlist.
func (c *Catalog) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")

	for _, ch := range c.Channels {
		err := ch.marshal(&buf)
		if err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
