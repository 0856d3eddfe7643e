package protocol

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // hard cap before counting characters
	MaxTextChars    = 1000 // max character count of a text message
)

// ValidateText checks that a text message meets content requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
