package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ARYANKSofficial/SoulLink/backend/codec"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	DefaultAPIListenAddr     = ":8080"
	DefaultWSListenAddr      = ":8888"
	DefaultLogLevel          = "debug"
	DefaultClientURL         = "*"
	DefaultMaxRoomMembers    = 2
	DefaultOutboundQueueSize = 256

	DefaultServerURL    = "ws://localhost:8888/signal"
	DefaultMediaTimeout = 10 * time.Second
)

var (
	DefaultSTUNServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:global.stun.twilio.com:3478",
	}
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

// Getenv is os.Getenv, injectable for tests.
type Getenv func(string) string

type Server struct {
	APIListenAddr     string
	WSListenAddr      string
	LogLevel          zerolog.Level
	LogConsole        bool
	ClientURL         string
	MaxRoomMembers    int
	OutboundQueueSize int
}

// LoadServer resolves server settings: flags win over environment, which
// wins over defaults.
func LoadServer(args []string, getenv Getenv) (*Server, error) {
	fs := pflag.NewFlagSet("soullink-server", pflag.ContinueOnError)

	var (
		apiListenAddr     = fs.StringP("api-listen-addr", "a", DefaultAPIListenAddr, "api listen address")
		wsListenAddr      = fs.StringP("ws-listen-addr", "w", DefaultWSListenAddr, "websocket signaling listen address")
		logLevel          = fs.StringP("log-level", "l", DefaultLogLevel, "log level")
		logConsole        = fs.Bool("log-console", false, "human readable console logs")
		clientURL         = fs.String("client-url", DefaultClientURL, "allowed CORS origin")
		maxRoomMembers    = fs.Int("max-room-members", DefaultMaxRoomMembers, "room capacity, 0 disables the cap")
		outboundQueueSize = fs.Int("outbound-queue-size", DefaultOutboundQueueSize, "per session outbound queue size")
	)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	env := func(flag string, keys ...string) (string, bool) {
		if fs.Changed(flag) {
			return "", false
		}
		for _, key := range keys {
			if v := getenv(key); v != "" {
				return v, true
			}
		}
		return "", false
	}

	if v, ok := env("api-listen-addr", "API_LISTEN_ADDR"); ok {
		*apiListenAddr = v
	}
	if v, ok := env("ws-listen-addr", "WS_LISTEN_ADDR"); ok {
		*wsListenAddr = v
	} else if v, ok = env("ws-listen-addr", "PORT"); ok {
		*wsListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := env("log-level", "LOG_LEVEL"); ok {
		*logLevel = v
	}
	if v, ok := env("client-url", "CLIENT_URL"); ok {
		*clientURL = v
	}
	if v, ok := env("max-room-members", "MAX_ROOM_MEMBERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: MAX_ROOM_MEMBERS: %w", ErrInvalid, err)
		}
		*maxRoomMembers = n
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	if *maxRoomMembers < 0 {
		return nil, fmt.Errorf("%w: max-room-members must not be negative", ErrInvalid)
	}
	if *outboundQueueSize <= 0 {
		return nil, fmt.Errorf("%w: outbound-queue-size must be positive", ErrInvalid)
	}

	return &Server{
		APIListenAddr:     *apiListenAddr,
		WSListenAddr:      *wsListenAddr,
		LogLevel:          lvl,
		LogConsole:        *logConsole,
		ClientURL:         *clientURL,
		MaxRoomMembers:    *maxRoomMembers,
		OutboundQueueSize: *outboundQueueSize,
	}, nil
}

type Peer struct {
	ServerURL      string
	Room           string
	Codec          string
	STUNServers    []string
	TURNServers    []string
	TURNUsername   string
	TURNCredential string
	MediaTimeout   time.Duration
	LogLevel       string

	// IncludeLoopback lets two peers on one host reach each other.
	IncludeLoopback bool
}

// Bind registers peer flags, usually on a cobra command's flag set.
func (p *Peer) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&p.ServerURL, "server", "s", DefaultServerURL, "signaling websocket url")
	fs.StringVarP(&p.Room, "room", "r", "", "room to join")
	fs.StringVar(&p.Codec, "codec", codec.NameJSON, "signaling codec (json or msgpack)")
	fs.StringSliceVar(&p.STUNServers, "stun", DefaultSTUNServers, "STUN server urls")
	fs.StringSliceVar(&p.TURNServers, "turn", nil, "TURN server urls")
	fs.StringVar(&p.TURNUsername, "turn-username", "", "TURN username")
	fs.StringVar(&p.TURNCredential, "turn-credential", "", "TURN credential")
	fs.DurationVar(&p.MediaTimeout, "media-timeout", DefaultMediaTimeout, "how long to wait for local media")
	fs.StringVarP(&p.LogLevel, "log-level", "l", "info", "log level")
	fs.BoolVar(&p.IncludeLoopback, "include-loopback", false, "gather loopback ICE candidates")
}

// Resolve applies environment fallbacks for flags left unset and validates.
func (p *Peer) Resolve(fs *pflag.FlagSet, getenv Getenv) error {
	fallback := func(flag, key string, dst *string) {
		if !fs.Changed(flag) {
			if v := getenv(key); v != "" {
				*dst = v
			}
		}
	}
	fallback("server", "SOULLINK_SERVER", &p.ServerURL)
	fallback("turn-username", "TURN_USERNAME", &p.TURNUsername)
	fallback("turn-credential", "TURN_CREDENTIAL", &p.TURNCredential)
	fallback("log-level", "LOG_LEVEL", &p.LogLevel)

	if p.Room == "" {
		return fmt.Errorf("%w: room is required", ErrInvalid)
	}
	if _, err := codec.ByName(p.Codec); err != nil {
		return errors.Join(ErrInvalid, err)
	}
	if _, err := zerolog.ParseLevel(p.LogLevel); err != nil {
		return errors.Join(ErrInvalid, err)
	}
	if p.MediaTimeout <= 0 {
		return fmt.Errorf("%w: media-timeout must be positive", ErrInvalid)
	}
	return nil
}
