package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// TierNameRegex matches tier names such as "720p60" or "4k60".
	TierNameRegex = regexp.MustCompile(`^[0-9]{3,4}p[0-9]{2,3}$|^[0-9]k[0-9]{2,3}$`)

	// ChannelRegex matches event bus channel names.
	ChannelRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.\-]+$`)
)

// ValidateSessionID validates a monitoring session ID
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateTierName checks the shape of a tier name. Whether the tier exists
// is up to the tier table.
func ValidateTierName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tier name is required")
	}
	if len(name) > 16 || !TierNameRegex.MatchString(name) {
		return fmt.Errorf("invalid tier name %q", name)
	}
	return nil
}

// ValidateMeasurement rejects NaN and infinities. Range clamping is left to
// snapshot normalization.
func ValidateMeasurement(value float64, fieldName string) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%s must be a finite number", fieldName)
	}
	return nil
}

// ValidateBitrate validates a bitrate in kbps
func ValidateBitrate(bitrate int) error {
	if bitrate <= 0 {
		return fmt.Errorf("bitrate must be positive")
	}
	if bitrate > 100000 {
		return fmt.Errorf("bitrate is too high (max 100000 kbps)")
	}
	return nil
}

// ValidateWindow validates a history window size
func ValidateWindow(window, max int) error {
	if window < 1 {
		return fmt.Errorf("window must be at least 1")
	}
	if window > max {
		return fmt.Errorf("window is too large (max %d)", max)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateChannel validates a pub/sub channel name
func ValidateChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	if len(channel) > 128 {
		return fmt.Errorf("channel is too long (max 128 characters)")
	}
	if !ChannelRegex.MatchString(channel) {
		return fmt.Errorf("invalid channel name")
	}
	return nil
}
