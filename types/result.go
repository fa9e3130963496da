package types

import "time"

// Result is one playable match reported by a resolver.
// Created during payload parsing and handed to the sink by value.
type Result struct {
	// ResolverID is the resolver that produced this result.
	ResolverID ResolverID `json:"resolver_id"`
	// URL is the playable location. Always non-empty.
	URL string `json:"url"`
	// Track is the track name.
	Track string `json:"track,omitempty"`
	// Artist is the artist name.
	Artist string `json:"artist,omitempty"`
	// Album is the album name.
	Album string `json:"album,omitempty"`
	// Bitrate is the stream bitrate in kbit/s.
	Bitrate *int `json:"bitrate,omitempty"`
	// Size is the file size in bytes.
	Size *int64 `json:"size,omitempty"`
	// Duration is the track length.
	Duration *time.Duration `json:"duration,omitempty"`
	// TrackNumber is the position on the album.
	TrackNumber *int `json:"track_number,omitempty"`
	// DiscNumber is the disc the track is on.
	DiscNumber *int `json:"disc_number,omitempty"`
	// PurchaseURL links to a store page.
	PurchaseURL string `json:"purchase_url,omitempty"`
	// LinkURL links to an info page.
	LinkURL string `json:"link_url,omitempty"`
	// Score is the resolver-reported relevance, if any.
	Score *float64 `json:"score,omitempty"`
}

// Settings are the resolver-reported metadata fetched during init.
type Settings struct {
	// Name is the display name. Defaults to the script file name.
	Name string `json:"name"`
	// Weight orders resolvers for an external ranking stage.
	Weight int `json:"weight"`
	// Timeout is advisory: how long a resolve may take before an external
	// scheduler should consider the resolver unresponsive.
	Timeout time.Duration `json:"timeout"`
	// Icon is the icon path, resolved relative to the script directory.
	Icon string `json:"icon,omitempty"`
}
