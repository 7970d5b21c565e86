package mediaserver

import (
	"livecast/internal/models"
)

type PlaylistItem struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	Duration int    `json:"duration"`
}

type LogoDescriptor struct {
	URL      string  `json:"url"`
	Position string  `json:"position,omitempty"`
	Opacity  float64 `json:"opacity"`
	Size     string  `json:"size,omitempty"`
	MarginX  int     `json:"marginX"`
	MarginY  int     `json:"marginY"`
}

type Overlay struct {
	Logo LogoDescriptor `json:"logo"`
}

// PlaylistDescriptor is the playout plan handed to the media server.
type PlaylistDescriptor struct {
	Name    string         `json:"name"`
	Repeat  bool           `json:"repeat"`
	Shuffle bool           `json:"shuffle"`
	Videos  []PlaylistItem `json:"videos"`
	Overlay *Overlay       `json:"overlay,omitempty"`
}

// ConfigurePlaylist builds the playout descriptor for stream. Videos keep
// their order unless settings ask for a shuffle.
func (c *Controller) ConfigurePlaylist(stream string, videos []models.Video, settings models.PlaylistSettings) PlaylistDescriptor {
	items := make([]PlaylistItem, 0, len(videos))
	for _, video := range videos {
		items = append(items, PlaylistItem{Name: video.Name, URI: video.URI, Duration: video.Duration})
	}
	if settings.Shuffle {
		c.mu.Lock()
		items = Shuffle(items, c.intn)
		c.mu.Unlock()
	}
	descriptor := PlaylistDescriptor{
		Name:    stream + "_playlist",
		Repeat:  settings.RepeatEnabled(),
		Shuffle: settings.Shuffle,
		Videos:  items,
	}
	if logo := settings.Logo; logo != nil {
		descriptor.Overlay = &Overlay{Logo: LogoDescriptor{
			URL:      logo.URL,
			Position: logo.Position,
			Opacity:  float64(logo.Opacity) / 100,
			Size:     logo.Size,
			MarginX:  logo.MarginX,
			MarginY:  logo.MarginY,
		}}
	}
	return descriptor
}

// Shuffle returns a uniformly random permutation of items using the
// Fisher-Yates algorithm. intn(n) must return a value in [0, n). The input
// slice is left untouched.
func Shuffle[T any](items []T, intn func(int) int) []T {
	out := make([]T, len(items))
	copy(out, items)
	for i := len(out) - 1; i > 0; i-- {
		j := intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
