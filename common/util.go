package common

import (
	"fmt"
	"os"
	"regexp"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// maxChannelNameLen limit on channel name length
const maxChannelNameLen = 128

var channelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9:._\-]*$`)

// ValidateChannelName verify a channel name is sane for use with the broker.
// The broker treats channel names as opaque, but names on the wire must be
// non-empty, bounded in length, and restricted to [a-zA-Z0-9:._-].
func ValidateChannelName(channel string) error {
	if len(channel) == 0 {
		return fmt.Errorf("channel name is empty")
	}
	if len(channel) > maxChannelNameLen {
		return fmt.Errorf("channel name longer than %d chars", maxChannelNameLen)
	}
	if !channelNameRegex.MatchString(channel) {
		return fmt.Errorf("channel name '%s' contains invalid characters", channel)
	}
	return nil
}

// GetUnitTestNatsURI fetch the NATS URI for unit testing
func GetUnitTestNatsURI() string {
	if uri, ok := os.LookupEnv("PUSHMQ_UT_NATS_URI"); ok {
		return uri
	}
	return "nats://127.0.0.1:4222"
}
