package models

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TransmissionStatus tracks the lifecycle of a broadcast attempt.
type TransmissionStatus string

const (
	TransmissionPreparing TransmissionStatus = "preparando"
	TransmissionActive    TransmissionStatus = "ativa"
	TransmissionFinished  TransmissionStatus = "finalizada"
	TransmissionError     TransmissionStatus = "erro"
)

// Terminal reports whether no further transition is possible.
func (s TransmissionStatus) Terminal() bool {
	return s == TransmissionFinished || s == TransmissionError
}

// TransmissionType distinguishes manual ingest from playlist playout.
type TransmissionType string

const (
	TransmissionManual   TransmissionType = "manual"
	TransmissionPlaylist TransmissionType = "playlist"
)

type RelayStatus string

const (
	RelayInactive RelayStatus = "inativo"
	RelayActive   RelayStatus = "ativo"
	RelayError    RelayStatus = "erro"
)

type SourceType string

const (
	SourceRTMP SourceType = "rtmp"
	SourceM3U8 SourceType = "m3u8"
)

type BindingStatus string

const (
	BindingActive   BindingStatus = "ativa"
	BindingFinished BindingStatus = "finalizada"
)

// TransmissionSettings are the caller-supplied options recorded with a
// transmission.
type TransmissionSettings struct {
	PlatformIDs []string `json:"platformIds"`
	AutoStart   bool     `json:"autoStart"`
}

// LogoOverlay positions a watermark over playlist playout. Opacity is on the
// 0-100 scale callers use; the media server receives it normalised.
type LogoOverlay struct {
	URL      string `json:"url"`
	Position string `json:"position,omitempty"`
	Opacity  int    `json:"opacity"`
	Size     string `json:"size,omitempty"`
	MarginX  int    `json:"marginX"`
	MarginY  int    `json:"marginY"`
}

// PlaylistSettings control playlist playout. A nil Repeat means repeat.
type PlaylistSettings struct {
	Repeat  *bool        `json:"repeat,omitempty"`
	Shuffle bool         `json:"shuffle"`
	Logo    *LogoOverlay `json:"logo,omitempty"`
}

// RepeatEnabled applies the repeat default.
func (s PlaylistSettings) RepeatEnabled() bool {
	return s.Repeat == nil || *s.Repeat
}

type Transmission struct {
	ID               string               `json:"id"`
	OwnerID          string               `json:"ownerId"`
	ServerID         string               `json:"serverId,omitempty"`
	PlaylistID       *string              `json:"playlistId,omitempty"`
	Title            string               `json:"title"`
	Description      string               `json:"description,omitempty"`
	Status           TransmissionStatus   `json:"status"`
	Type             TransmissionType     `json:"type"`
	Settings         TransmissionSettings `json:"settings"`
	PlaylistSettings PlaylistSettings     `json:"playlistSettings"`
	ApplicationName  string               `json:"applicationName,omitempty"`
	StreamName       string               `json:"streamName,omitempty"`
	StartedAt        *time.Time           `json:"startedAt,omitempty"`
	EndedAt          *time.Time           `json:"endedAt,omitempty"`
	ErrorDetails     *string              `json:"errorDetails,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// StreamQuality is the encoding profile advertised for a stream.
type StreamQuality struct {
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
	Bitrate    int    `json:"bitrate"`
}

type Stream struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"ownerId"`
	TransmissionID  string        `json:"transmissionId"`
	Title           string        `json:"title"`
	IsLive          bool          `json:"isLive"`
	Viewers         int           `json:"viewers"`
	Bitrate         int           `json:"bitrate"`
	Uptime          string        `json:"uptime"`
	Quality         StreamQuality `json:"quality"`
	StreamName      string        `json:"streamName"`
	ApplicationName string        `json:"applicationName"`
	RTMPURL         string        `json:"rtmpUrl,omitempty"`
	HLSURL          string        `json:"hlsUrl,omitempty"`
	DASHURL         string        `json:"dashUrl,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

type RelaySession struct {
	OwnerID      string      `json:"ownerId"`
	SourceURL    string      `json:"sourceUrl"`
	SourceType   SourceType  `json:"sourceType"`
	ServerID     string      `json:"serverId,omitempty"`
	Status       RelayStatus `json:"status"`
	ErrorDetails *string     `json:"errorDetails,omitempty"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

type PlatformBinding struct {
	ID             string        `json:"id"`
	TransmissionID string        `json:"transmissionId"`
	UserPlatformID string        `json:"userPlatformId"`
	Status         BindingStatus `json:"status"`
	PublisherName  string        `json:"publisherName"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Platform is an external streaming destination such as YouTube or Twitch.
type Platform struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	RTMPBaseURL string `json:"rtmpBaseUrl"`
}

// UserPlatform is an owner's configured credentials for a platform. Managed
// outside this service and only read here.
type UserPlatform struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"ownerId"`
	Platform  Platform `json:"platform"`
	RTMPURL   string   `json:"rtmpUrl,omitempty"`
	StreamKey string   `json:"streamKey"`
	Active    bool     `json:"active"`
}

// IngestURL prefers the owner override over the platform default.
func (p UserPlatform) IngestURL() string {
	if strings.TrimSpace(p.RTMPURL) != "" {
		return p.RTMPURL
	}
	return p.Platform.RTMPBaseURL
}

type Video struct {
	ID         string `json:"id"`
	PlaylistID string `json:"playlistId,omitempty"`
	Name       string `json:"name"`
	URI        string `json:"uri"`
	Duration   int    `json:"duration"`
	Position   int    `json:"position"`
}

// RemoteServer describes a host reachable over SSH that runs the media
// server and relay processes.
type RemoteServer struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	User           string `json:"user" yaml:"user"`
	Password       string `json:"-" yaml:"password"`
	PrivateKeyPath string `json:"-" yaml:"privateKeyPath"`
}

// Owner identifies the account a request acts on.
type Owner struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

const defaultLogin = "usuario"

// Login derives the shell and RTMP safe name used to namespace relay
// sessions and the relay output target.
func (o Owner) Login() string {
	local := o.Email
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	local = strings.TrimSpace(local)
	if local == "" {
		return defaultLogin
	}
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), local)
	if err != nil {
		folded = local
	}
	folded = strings.ToLower(folded)
	var b strings.Builder
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return defaultLogin
	}
	return b.String()
}
