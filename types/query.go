package types

import (
	"errors"
	"strings"
)

// Query is a single resolve request.
// Discrete fields (Artist, Album, Track) select the structured resolve
// entry point; FullText alone selects the search entry point.
type Query struct {
	// ID correlates the request with its result batch. Opaque to the core.
	ID string `json:"qid" yaml:"qid"`
	// Artist is the artist name.
	Artist string `json:"artist,omitempty" yaml:"artist,omitempty"`
	// Album is the album name.
	Album string `json:"album,omitempty" yaml:"album,omitempty"`
	// Track is the track name.
	Track string `json:"track,omitempty" yaml:"track,omitempty"`
	// FullText is a free-text search string.
	FullText string `json:"fulltext,omitempty" yaml:"fulltext,omitempty"`
}

// IsFullText returns true if the query carries no discrete fields.
func (q Query) IsFullText() bool {
	return q.Artist == "" && q.Album == "" && q.Track == ""
}

// Validate checks that the query is resolvable.
func (q Query) Validate() error {
	if strings.TrimSpace(q.ID) == "" {
		return errors.New("query id is required")
	}
	if q.IsFullText() && strings.TrimSpace(q.FullText) == "" {
		return errors.New("query requires artist/album/track or full text")
	}
	return nil
}
