package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

var (
	ErrInvalidName      = errors.New("invalid channel name")
	ErrPlatformMismatch = errors.New("channel platform does not match registry")
	ErrDuplicateName    = errors.New("channel already registered")
)

// Name is a parsed channel name: {platform}-{channelType}-{timestamp}-{sessionSuffix}
type Name struct {
	Raw           string
	Platform      models.Platform
	ChannelType   string
	Timestamp     int64
	SessionSuffix string
}

// ParseName splits a channel name into its parts. The session suffix is
// everything after the third separator.
func ParseName(raw string) (Name, error) {
	parts := strings.SplitN(raw, "-", 4)
	if len(parts) != 4 {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, raw)
	}
	for _, p := range parts {
		if p == "" {
			return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, raw)
		}
	}

	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Name{}, fmt.Errorf("%w: bad timestamp in %q", ErrInvalidName, raw)
	}

	return Name{
		Raw:           raw,
		Platform:      models.Platform(strings.ToLower(parts[0])),
		ChannelType:   parts[1],
		Timestamp:     ts,
		SessionSuffix: parts[3],
	}, nil
}

// FormatName builds a channel name
func FormatName(platform models.Platform, channelType string, timestamp int64, sessionSuffix string) string {
	return fmt.Sprintf("%s-%s-%d-%s", platform, channelType, timestamp, sessionSuffix)
}
