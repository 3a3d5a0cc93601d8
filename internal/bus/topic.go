package bus

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Topic wildcards.
const (
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
	levelSeparator      = "/"
	maxTopicLength      = 65535
)

// ValidateTopic checks that topic can be published to: non-empty, valid
// UTF-8, no wildcards, no NUL and no empty levels.
func ValidateTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, SingleLevelWildcard+MultiLevelWildcard) {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidatePattern checks a subscription pattern. "+" must occupy a whole
// level; "#" must occupy the whole last level.
func ValidatePattern(pattern string) error {
	if err := validateCommon(pattern); err != nil {
		return err
	}

	levels := strings.Split(pattern, levelSeparator)
	for i, level := range levels {
		switch {
		case level == MultiLevelWildcard:
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q has # before the last level", ErrInvalidTopic, pattern)
			}
		case level == SingleLevelWildcard:
		case strings.ContainsAny(level, SingleLevelWildcard+MultiLevelWildcard):
			return fmt.Errorf("%w: %q mixes a wildcard with text in one level", ErrInvalidTopic, pattern)
		}
	}
	return nil
}

func validateCommon(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(s) > maxTopicLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: %q is not valid UTF-8 text", ErrInvalidTopic, s)
	}
	for _, level := range strings.Split(s, levelSeparator) {
		if level == "" {
			return fmt.Errorf("%w: %q has an empty level", ErrInvalidTopic, s)
		}
	}
	return nil
}

// Match reports whether topic matches pattern. Both are assumed valid.
// Wildcards at the first level do not match topics starting with "$".
func Match(pattern, topic string) bool {
	if strings.HasPrefix(topic, "$") &&
		(strings.HasPrefix(pattern, SingleLevelWildcard) || strings.HasPrefix(pattern, MultiLevelWildcard)) {
		return false
	}

	pLevels := strings.Split(pattern, levelSeparator)
	tLevels := strings.Split(topic, levelSeparator)

	for i, p := range pLevels {
		if p == MultiLevelWildcard {
			return true
		}
		if i >= len(tLevels) {
			return false
		}
		if p != SingleLevelWildcard && p != tLevels[i] {
			return false
		}
	}
	return len(pLevels) == len(tLevels)
}

// IsLevel reports whether s can be used as a single topic level.
func IsLevel(s string) bool {
	return s != "" && !strings.ContainsAny(s, levelSeparator+SingleLevelWildcard+MultiLevelWildcard+"\x00")
}
