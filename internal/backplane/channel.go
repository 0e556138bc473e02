package backplane

import (
	"fmt"
	"strings"

	"github.com/irep/realtime_gateway/internal/apperr"
)

const (
	channelSep    = ":"
	channelPrefix = "tenant"
	channelSuffix = "updates"

	// Pattern matches every tenant update channel.
	Pattern = channelPrefix + channelSep + "*" + channelSep + channelSuffix
)

// ChannelName returns the backplane channel for a tenant. Ids containing the
// delimiter are refused so every channel parses back to the same id.
func ChannelName(tenantID string) (string, error) {
	if tenantID == "" {
		return "", apperr.New(apperr.CodeValidation, "tenant id is empty", nil)
	}
	if strings.Contains(tenantID, channelSep) {
		return "", apperr.New(apperr.CodeValidation, fmt.Sprintf("tenant id %q contains %q", tenantID, channelSep), nil)
	}
	return channelPrefix + channelSep + tenantID + channelSep + channelSuffix, nil
}

// ParseChannel extracts the tenant id from a channel named
// tenant:<id>:updates. The name must split into exactly three segments.
func ParseChannel(channel string) (string, error) {
	parts := strings.Split(channel, channelSep)
	if len(parts) != 3 || parts[0] != channelPrefix || parts[2] != channelSuffix || parts[1] == "" {
		return "", apperr.New(apperr.CodeMalformedChannel,
			fmt.Sprintf("channel %q is not %s:<id>:%s", channel, channelPrefix, channelSuffix), nil)
	}
	return parts[1], nil
}
